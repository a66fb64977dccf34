package channels

import (
	"context"
	"strconv"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// Fake is a scripted in-memory adapter for tests and the standalone
// chat command. Batches queued with Push come back from Poll in order;
// sends are recorded.
type Fake struct {
	ChannelName string

	mu      sync.Mutex
	batches []Batch
	sent    []FakeSend
	pollErr error
	authErr error
	nextID  int

	wake chan struct{}
}

// FakeSend records one outbound call.
type FakeSend struct {
	RoomID string
	Text   string
	Media  *bus.MediaAttachment
	Opts   SendOpts
}

func NewFake(name string) *Fake {
	return &Fake{ChannelName: name, wake: make(chan struct{}, 1)}
}

func (f *Fake) Name() string {
	if f.ChannelName == "" {
		return "fake"
	}
	return f.ChannelName
}

func (f *Fake) Start(ctx context.Context) error { return nil }
func (f *Fake) Stop(ctx context.Context) error  { return nil }

// Push queues a batch for the next Poll.
func (f *Fake) Push(b Batch) {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// FailPollWith makes the next Poll return err once.
func (f *Fake) FailPollWith(err error) {
	f.mu.Lock()
	f.pollErr = err
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fake) Poll(ctx context.Context) (Batch, error) {
	for {
		f.mu.Lock()
		if f.pollErr != nil {
			err := f.pollErr
			f.pollErr = nil
			f.mu.Unlock()
			return Batch{}, err
		}
		if len(f.batches) > 0 {
			b := f.batches[0]
			f.batches = f.batches[1:]
			f.mu.Unlock()
			return b, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-f.wake:
		}
	}
}

func (f *Fake) SendText(ctx context.Context, roomID, text string, opts SendOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, FakeSend{RoomID: roomID, Text: text, Opts: opts})
	return "fake-" + strconv.Itoa(f.nextID), nil
}

func (f *Fake) SendMedia(ctx context.Context, roomID string, media bus.MediaAttachment, opts SendOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, FakeSend{RoomID: roomID, Media: &media, Opts: opts})
	return nil
}

func (f *Fake) Reauth(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.authErr
	f.authErr = nil
	return err
}

// Sent returns a copy of the recorded sends.
func (f *Fake) Sent() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeSend(nil), f.sent...)
}
