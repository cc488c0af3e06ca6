package store

import "sync"

// Pipe is a Subscription whose changes are pushed by a single producer.
// Send, TrySend and Finish must only be called by that producer (or while
// holding whatever lock serializes it); Close may be called by anyone.
type Pipe struct {
	ch    chan Change
	done  chan struct{}
	ended chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
	onClose    func()

	mu  sync.Mutex
	err error
}

// NewPipe returns a pipe buffering up to buffer changes. onClose runs once
// when the consumer closes the pipe; it must arrange for Finish to be called.
func NewPipe(buffer int, onClose func()) *Pipe {
	return &Pipe{
		ch:      make(chan Change, buffer),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
		onClose: onClose,
	}
}

func (p *Pipe) Changes() <-chan Change { return p.ch }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}

// Done is closed once the consumer has closed the pipe.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Ended is closed once the producer has finished the pipe.
func (p *Pipe) Ended() <-chan struct{} { return p.ended }

// Send blocks until c is buffered or the consumer closes the pipe.
func (p *Pipe) Send(c Change) bool {
	select {
	case p.ch <- c:
		return true
	case <-p.done:
		return false
	}
}

// TrySend buffers c without blocking and reports whether there was room.
func (p *Pipe) TrySend(c Change) bool {
	select {
	case p.ch <- c:
		return true
	default:
		return false
	}
}

// Finish ends the pipe with err. Later calls are no-ops.
func (p *Pipe) Finish(err error) {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.ch)
		close(p.ended)
	})
}
