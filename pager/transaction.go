package pager

import "fmt"

// ReadTx runs fn inside a read transaction. The transaction ends when fn
// returns; pages fetched by fn must be released before it does.
func (p *Pager) ReadTx(fn func() error) error {
	opened := p.state == StateOpen
	if err := p.BeginRead(); err != nil {
		return err
	}
	if opened {
		defer p.EndRead()
	}
	return fn()
}

// WriteTx runs fn inside a write transaction, committing on success and
// rolling back on error or panic.
func (p *Pager) WriteTx(fn func() error) (err error) {
	if err := p.BeginWrite(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = p.Rollback()
			panic(r)
		}
		if err != nil {
			if rerr := p.Rollback(); rerr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
			}
		}
	}()
	if err = fn(); err != nil {
		return err
	}
	return p.Commit()
}

// SetJournalMode switches rollback journal handling between transactions.
// WAL mode is entered through SetWal instead.
func (p *Pager) SetJournalMode(mode JournalMode) error {
	if mode == JournalModeWAL || p.useWal() {
		return fmt.Errorf("%w: use SetWal to manage WAL mode", ErrMisuse)
	}
	if p.state >= StateWriterLocked {
		return fmt.Errorf("%w: journal mode change inside a write transaction", ErrMisuse)
	}
	if p.memory && mode != JournalModeMemory && mode != JournalModeOff {
		return fmt.Errorf("%w: in-memory databases only support memory or off journal modes", ErrMisuse)
	}
	if p.jrnl != nil && mode != p.journalMode {
		if err := p.jrnl.close(); err != nil {
			return ioErr("journal close", err, false)
		}
		p.jrnl = nil
	}
	p.journalMode = mode
	return nil
}
