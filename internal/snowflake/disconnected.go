package snowflake

import "context"

// Disconnected is the Executor wired when the server starts without a
// usable profile. Every call fails with the recorded startup diagnosis,
// so tools report the actual configuration problem instead of attempting
// a connection that cannot exist.
type Disconnected struct {
	err error
}

var _ Executor = (*Disconnected)(nil)

// NewDisconnected records why no live client could be built.
func NewDisconnected(err error) *Disconnected {
	return &Disconnected{err: err}
}

// Run fails with the startup diagnosis.
func (d *Disconnected) Run(context.Context, string, ...RunOption) (*Result, error) {
	return nil, d.err
}

// Ping fails with the startup diagnosis.
func (d *Disconnected) Ping(context.Context) error {
	return d.err
}

// Close releases nothing.
func (d *Disconnected) Close() error {
	return nil
}
