package localdb

import (
	"context"
	"testing"
	"time"

	gc "gopkg.in/check.v1"
)

type LockSuite struct{}

func (s *LockSuite) TestReadHoldsAreShared(c *gc.C) {
	var l = newRWLock()

	var ctx1, release1, err = l.RLock(context.Background())
	c.Assert(err, gc.IsNil)
	ctx2, release2, err := l.RLock(context.Background())
	c.Assert(err, gc.IsNil)

	c.Check(l.held(ctx1), gc.NotNil)
	c.Check(l.held(ctx2), gc.NotNil)
	c.Check(l.held(context.Background()), gc.IsNil)

	release1()
	release2()

	c.Check(l.held(ctx1), gc.IsNil)
	c.Check(l.sem.TryAcquire(maxReaders), gc.Equals, true)
}

func (s *LockSuite) TestReentrance(c *gc.C) {
	var l = newRWLock()

	var wctx, release, err = l.Lock(context.Background())
	c.Assert(err, gc.IsNil)

	// Read and write requests under a write hold re-enter.
	rctx, rrelease, err := l.RLock(wctx)
	c.Check(err, gc.IsNil)
	c.Check(rctx, gc.Equals, wctx)
	rrelease()

	wctx2, wrelease, err := l.Lock(wctx)
	c.Check(err, gc.IsNil)
	c.Check(wctx2, gc.Equals, wctx)
	wrelease()

	// Re-entrant releases didn't release the outer hold.
	c.Check(l.held(wctx), gc.NotNil)
	c.Check(l.sem.TryAcquire(1), gc.Equals, false)

	release()
	release() // Idempotent.
	c.Check(l.sem.TryAcquire(maxReaders), gc.Equals, true)
}

func (s *LockSuite) TestUpgradeIsAnError(c *gc.C) {
	var l = newRWLock()

	var rctx, release, err = l.RLock(context.Background())
	c.Assert(err, gc.IsNil)
	defer release()

	_, _, err = l.Lock(rctx)
	c.Check(err, gc.Equals, ErrLockUpgrade)

	// A nested read re-enters.
	_, rrelease, err := l.RLock(rctx)
	c.Check(err, gc.IsNil)
	rrelease()
}

func (s *LockSuite) TestWriterExcludesReaders(c *gc.C) {
	var l = newRWLock()

	var _, release, err = l.Lock(context.Background())
	c.Assert(err, gc.IsNil)

	var acquired = make(chan struct{})
	go func() {
		var _, rrelease, err = l.RLock(context.Background())
		c.Check(err, gc.IsNil)
		close(acquired)
		rrelease()
	}()

	select {
	case <-acquired:
		c.Fatal("read lock acquired while write lock was held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-acquired
}

func (s *LockSuite) TestWaitingWriterBlocksLaterReaders(c *gc.C) {
	var l = newRWLock()

	var rctx, release, err = l.RLock(context.Background())
	c.Assert(err, gc.IsNil)

	var order = make(chan string, 2)
	go func() {
		var _, wrelease, err = l.Lock(context.Background())
		c.Check(err, gc.IsNil)
		order <- "writer"
		wrelease()
	}()
	// Wait for the writer to queue.
	time.Sleep(20 * time.Millisecond)

	go func() {
		var _, rrelease, err = l.RLock(context.Background())
		c.Check(err, gc.IsNil)
		order <- "reader"
		rrelease()
	}()
	time.Sleep(20 * time.Millisecond)

	// A re-entrant read of the existing hold doesn't queue.
	_, nested, err := l.RLock(rctx)
	c.Check(err, gc.IsNil)
	nested()

	release()
	c.Check(<-order, gc.Equals, "writer")
	c.Check(<-order, gc.Equals, "reader")
}

func (s *LockSuite) TestWaitIsCancelable(c *gc.C) {
	var l = newRWLock()

	var _, release, err = l.Lock(context.Background())
	c.Assert(err, gc.IsNil)
	defer release()

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err = l.RLock(ctx)
	c.Check(err, gc.ErrorMatches, "acquiring read lock: context deadline exceeded")
}

func (s *LockSuite) TestReleasedHoldDoesNotReenter(c *gc.C) {
	var l = newRWLock()

	var wctx, release, err = l.Lock(context.Background())
	c.Assert(err, gc.IsNil)
	release()

	// |wctx| no longer carries a live hold, so this is a fresh acquisition.
	_, release, err = l.Lock(wctx)
	c.Check(err, gc.IsNil)
	c.Check(l.sem.TryAcquire(1), gc.Equals, false)
	release()
}

var _ = gc.Suite(&LockSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
