package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/mask-annotator/pkg/client"
	"github.com/menta2k/mask-annotator/pkg/types"
)

type reply struct {
	resp *types.PredictResponse
	err  error
}

type call struct {
	req   types.PredictRequest
	reply chan reply
}

// gatedClient blocks every Predict until the test answers the call
type gatedClient struct {
	calls chan *call
}

func newGatedClient() *gatedClient {
	return &gatedClient{calls: make(chan *call, 16)}
}

func (g *gatedClient) Predict(ctx context.Context, req types.PredictRequest) (*types.PredictResponse, error) {
	c := &call{req: req, reply: make(chan reply, 1)}
	g.calls <- c
	select {
	case r := <-c.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedClient) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prediction call")
		return nil
	}
}

// lineWriter forwards every log line to a channel
type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func square(x, y, size float64) [][2]float64 {
	return [][2]float64{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}}
}

func okResponse(w, h int, polys ...[][2]float64) reply {
	return reply{resp: &types.PredictResponse{Contours: polys, Width: w, Height: h}}
}

func newTestSession(c client.PredictionClient, opts ...Option) *Session {
	return New(c, "sess-1", types.Size{Width: 400, Height: 400}, opts...)
}

func TestNewSessionIsEmpty(t *testing.T) {
	s := newTestSession(newGatedClient())

	if s.State() != StateEmpty {
		t.Errorf("Expected empty state, got %s", s.State())
	}
	snap := s.Snapshot()
	if len(snap.Points) != 0 || snap.Pending || snap.HasContours() {
		t.Errorf("Expected empty snapshot, got %+v", snap)
	}
}

func TestAddPointSendsFullHistory(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	ok, err := s.AddPoint(ctx, types.Point{X: 10, Y: 20}, types.Foreground)
	if err != nil || !ok {
		t.Fatalf("AddPoint failed: ok=%v err=%v", ok, err)
	}
	if s.State() != StatePredicting {
		t.Errorf("Expected predicting state, got %s", s.State())
	}

	c := g.next(t)
	if c.req.SessionID != "sess-1" || len(c.req.Points) != 1 {
		t.Errorf("Unexpected first request: %+v", c.req)
	}
	c.reply <- okResponse(400, 400, square(0, 0, 50))
	s.Wait()

	ok, err = s.AddPoint(ctx, types.Point{X: 30, Y: 40}, types.Background)
	if err != nil || !ok {
		t.Fatalf("AddPoint failed: ok=%v err=%v", ok, err)
	}

	c = g.next(t)
	if len(c.req.Points) != 2 || len(c.req.Labels) != 2 {
		t.Fatalf("Expected full history of 2 points, got %+v", c.req)
	}
	if c.req.Points[0] != [2]float64{10, 20} || c.req.Points[1] != [2]float64{30, 40} {
		t.Errorf("Unexpected points order: %v", c.req.Points)
	}
	if c.req.Labels[0] != 1 || c.req.Labels[1] != 0 {
		t.Errorf("Expected labels [1 0], got %v", c.req.Labels)
	}
	c.reply <- okResponse(400, 400, square(0, 0, 80))
	s.Wait()

	if s.State() != StateAccumulating {
		t.Errorf("Expected accumulating state, got %s", s.State())
	}
}

func TestAddPointWhilePendingIsDropped(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	if ok, _ := s.AddPoint(ctx, types.Point{X: 1, Y: 1}, types.Foreground); !ok {
		t.Fatal("First point should be accepted")
	}
	c := g.next(t)

	for i := 0; i < 5; i++ {
		ok, err := s.AddPoint(ctx, types.Point{X: 2, Y: 2}, types.Background)
		if ok || err != nil {
			t.Errorf("Expected dropped click, got ok=%v err=%v", ok, err)
		}
	}
	if n := len(s.Snapshot().Points); n != 1 {
		t.Errorf("Expected 1 point while pending, got %d", n)
	}

	c.reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()

	select {
	case extra := <-g.calls:
		t.Errorf("Unexpected extra prediction call: %+v", extra.req)
	default:
	}
}

func TestHistoryParity(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		label := types.Foreground
		if i%2 == 1 {
			label = types.Background
		}
		if ok, err := s.AddPoint(ctx, types.Point{X: float64(i * 10), Y: float64(i * 5)}, label); !ok || err != nil {
			t.Fatalf("AddPoint %d failed: ok=%v err=%v", i, ok, err)
		}
		g.next(t).reply <- okResponse(400, 400, square(0, 0, float64(i+1)))
		s.Wait()
	}

	snap := s.Snapshot()
	if len(snap.Points) != n || len(snap.Labels) != n {
		t.Errorf("Expected %d points and labels, got %d and %d", n, len(snap.Points), len(snap.Labels))
	}
}

func TestSuccessReplacesContoursAndBox(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)

	iou := 0.93
	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- reply{resp: &types.PredictResponse{
		Contours: [][][2]float64{square(10, 10, 20), square(100, 100, 40)},
		Width:    500,
		Height:   250,
		IoU:      &iou,
	}}
	s.Wait()

	snap := s.Snapshot()
	if !snap.HasContours() || len(snap.Contours) != 2 {
		t.Fatalf("Expected 2 contours, got %+v", snap.Contours)
	}
	if snap.ContourBox != (types.Size{Width: 500, Height: 250}) {
		t.Errorf("Expected contour box from response, got %+v", snap.ContourBox)
	}
	if snap.IoU == nil || *snap.IoU != iou {
		t.Errorf("Expected iou %.2f, got %v", iou, snap.IoU)
	}
	if snap.Pending {
		t.Error("Expected pending to be cleared")
	}
}

func TestEmptyResponseClearsContoursAndBox(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	s.AddPoint(ctx, types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()

	s.AddPoint(ctx, types.Point{X: 6, Y: 6}, types.Background)
	g.next(t).reply <- okResponse(400, 400)
	s.Wait()

	snap := s.Snapshot()
	if len(snap.Contours) != 0 || !snap.ContourBox.Empty() {
		t.Errorf("Expected contours and box cleared together, got %+v / %+v", snap.Contours, snap.ContourBox)
	}
}

func TestFailureKeepsHistory(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	s.AddPoint(ctx, types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()

	s.AddPoint(ctx, types.Point{X: 50, Y: 50}, types.Foreground)
	failure := &client.Error{Kind: client.ErrNetwork, Err: errors.New("connection reset")}
	g.next(t).reply <- reply{err: failure}
	s.Wait()

	snap := s.Snapshot()
	if len(snap.Points) != 2 {
		t.Errorf("Expected failed point to stay in history, got %d points", len(snap.Points))
	}
	if len(snap.Contours) != 1 || snap.Contours[0][2] != (types.Point{X: 10, Y: 10}) {
		t.Errorf("Expected previous contours to be kept, got %+v", snap.Contours)
	}
	if snap.Pending {
		t.Error("Expected pending to be cleared after failure")
	}
	if !errors.Is(s.LastError(), client.ErrNetwork) {
		t.Errorf("Expected network error, got %v", s.LastError())
	}

	// The widget stays usable
	if ok, err := s.AddPoint(ctx, types.Point{X: 60, Y: 60}, types.Foreground); !ok || err != nil {
		t.Errorf("Expected retry to be accepted, got ok=%v err=%v", ok, err)
	}
	g.next(t).reply <- okResponse(400, 400, square(0, 0, 30))
	s.Wait()
	if s.LastError() != nil {
		t.Errorf("Expected error cleared after success, got %v", s.LastError())
	}
}

func TestFailureWithRollback(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g, WithRollbackOnFailure(true))

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- reply{err: &client.Error{Kind: client.ErrPrediction, Status: 500}}
	s.Wait()

	snap := s.Snapshot()
	if len(snap.Points) != 0 || len(snap.Labels) != 0 {
		t.Errorf("Expected rolled back history, got %+v", snap.Points)
	}
	if s.State() != StateEmpty {
		t.Errorf("Expected empty state, got %s", s.State())
	}
}

func TestSessionExpiredNeedsUpload(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- reply{err: &client.Error{Kind: client.ErrSessionExpired, Status: 404, Detail: "Session not found"}}
	s.Wait()

	if !s.NeedsUpload() {
		t.Error("Expected NeedsUpload after expired session")
	}

	s.Replace("sess-2", types.Size{Width: 400, Height: 400})
	if s.NeedsUpload() {
		t.Error("Expected NeedsUpload to clear after Replace")
	}
}

func TestResetFromAnyState(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	check := func(stage string) {
		t.Helper()
		s.Reset()
		snap := s.Snapshot()
		if len(snap.Points) != 0 || len(snap.Labels) != 0 || len(snap.Contours) != 0 || snap.Pending {
			t.Errorf("%s: expected cleared session, got %+v", stage, snap)
		}
		if !snap.ContourBox.Empty() {
			t.Errorf("%s: expected empty contour box, got %+v", stage, snap.ContourBox)
		}
	}

	check("empty")

	s.AddPoint(ctx, types.Point{X: 5, Y: 5}, types.Foreground)
	c := g.next(t)
	check("predicting")
	c.reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()

	s.AddPoint(ctx, types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()
	check("accumulating")

	if s.Epoch() != 3 {
		t.Errorf("Expected epoch 3 after three resets, got %d", s.Epoch())
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	g := newGatedClient()
	discarded := make(lineWriter, 4)
	s := newTestSession(g, WithLogger(log.New(discarded, "", 0)))
	ctx := context.Background()

	s.AddPoint(ctx, types.Point{X: 5, Y: 5}, types.Foreground)
	before := g.next(t)

	s.Reset()

	if ok, err := s.AddPoint(ctx, types.Point{X: 7, Y: 7}, types.Foreground); !ok || err != nil {
		t.Fatalf("Expected click after reset to be accepted, got ok=%v err=%v", ok, err)
	}
	after := g.next(t)

	before.reply <- okResponse(400, 400, square(0, 0, 99))
	select {
	case line := <-discarded:
		if !strings.Contains(line, "stale") {
			t.Errorf("Unexpected log line: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stale response was not discarded")
	}

	snap := s.Snapshot()
	if len(snap.Contours) != 0 {
		t.Errorf("Stale response repopulated contours: %+v", snap.Contours)
	}
	if !snap.Pending {
		t.Error("Stale response must not clear pending of the newer request")
	}
	if len(snap.Points) != 1 || snap.Points[0] != (types.Point{X: 7, Y: 7}) {
		t.Errorf("Expected only the post-reset point, got %+v", snap.Points)
	}

	after.reply <- okResponse(400, 400, square(1, 1, 3))
	s.Wait()

	snap = s.Snapshot()
	if len(snap.Contours) != 1 || snap.Contours[0][0] != (types.Point{X: 1, Y: 1}) {
		t.Errorf("Expected contours of the post-reset request, got %+v", snap.Contours)
	}
}

func TestStaleResponseAfterReplaceDiscarded(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	c := g.next(t)

	if !s.Replace("sess-2", types.Size{Width: 800, Height: 600}) {
		t.Fatal("Expected Replace to report a change")
	}
	c.reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()

	snap := s.Snapshot()
	if snap.SessionID != "sess-2" || snap.ImageSize.Width != 800 {
		t.Errorf("Expected new session identity, got %+v", snap)
	}
	if len(snap.Contours) != 0 || len(snap.Points) != 0 || snap.Pending {
		t.Errorf("Expected clean session after replace, got %+v", snap)
	}
}

func TestReplaceSameImageIsNoop(t *testing.T) {
	s := newTestSession(newGatedClient())
	if s.Replace("sess-1", types.Size{Width: 400, Height: 400}) {
		t.Error("Expected Replace with unchanged id and size to be a no-op")
	}
	if s.Epoch() != 0 {
		t.Errorf("Expected epoch 0, got %d", s.Epoch())
	}
}

func TestAddPointValidation(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	if _, err := s.AddPoint(ctx, types.Point{X: 401, Y: 0}, types.Foreground); !errors.Is(err, client.ErrValidation) {
		t.Errorf("Expected validation error for out-of-range point, got %v", err)
	}
	if _, err := s.AddPoint(ctx, types.Point{X: 1, Y: -1}, types.Foreground); !errors.Is(err, client.ErrValidation) {
		t.Errorf("Expected validation error for negative point, got %v", err)
	}
	if _, err := s.AddPoint(ctx, types.Point{X: 1, Y: 1}, types.Label(7)); !errors.Is(err, client.ErrValidation) {
		t.Errorf("Expected validation error for unknown label, got %v", err)
	}
	if n := len(s.Snapshot().Points); n != 0 {
		t.Errorf("Rejected points must not enter history, got %d", n)
	}

	empty := New(g, "", types.Size{Width: 10, Height: 10})
	if _, err := empty.AddPoint(ctx, types.Point{X: 1, Y: 1}, types.Foreground); !errors.Is(err, client.ErrValidation) {
		t.Errorf("Expected validation error without session id, got %v", err)
	}
}

func TestMissingContourBoxIsFailure(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- okResponse(0, 0, square(0, 0, 10))
	s.Wait()

	if !errors.Is(s.LastError(), client.ErrPrediction) {
		t.Errorf("Expected prediction error, got %v", s.LastError())
	}
	if s.Snapshot().HasContours() {
		t.Error("Contours without a box must not be applied")
	}
}

func TestTimeout(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g, WithTimeout(20*time.Millisecond))

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t)
	s.Wait()

	if !errors.Is(s.LastError(), context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", s.LastError())
	}
	if s.Pending() {
		t.Error("Expected pending cleared after timeout")
	}
}

func TestOnChange(t *testing.T) {
	g := newGatedClient()

	var mu sync.Mutex
	var snaps []Snapshot
	s := newTestSession(g, WithOnChange(func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	}))

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()
	s.Reset()

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 3 {
		t.Fatalf("Expected 3 notifications, got %d", len(snaps))
	}
	if !snaps[0].Pending || snaps[1].Pending || !snaps[1].HasContours() {
		t.Errorf("Unexpected notification sequence: %+v", snaps)
	}
	if snaps[2].Epoch != 1 || len(snaps[2].Points) != 0 {
		t.Errorf("Expected reset notification, got %+v", snaps[2])
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)

	s.AddPoint(context.Background(), types.Point{X: 5, Y: 5}, types.Foreground)
	g.next(t).reply <- okResponse(400, 400, square(0, 0, 10))
	s.Wait()

	snap := s.Snapshot()
	snap.Points[0] = types.Point{X: 99, Y: 99}
	snap.Contours[0][0] = types.Point{X: 99, Y: 99}

	again := s.Snapshot()
	if again.Points[0] == snap.Points[0] || again.Contours[0][0] == snap.Contours[0][0] {
		t.Error("Mutating a snapshot changed session state")
	}
}

func TestAddPointFuncMapsWithCurrentSize(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()
	s.Replace("sess-2", types.Size{Width: 800, Height: 600})

	var seen types.Size
	ok, err := s.AddPointFunc(ctx, types.Foreground, func(size types.Size) (types.Point, error) {
		seen = size
		return types.Point{X: size.Width / 2, Y: size.Height / 2}, nil
	})
	if err != nil || !ok {
		t.Fatalf("AddPointFunc failed: %v %v", ok, err)
	}
	if seen != (types.Size{Width: 800, Height: 600}) {
		t.Errorf("Expected mapping against 800x600, got %+v", seen)
	}

	c := g.next(t)
	if c.req.SessionID != "sess-2" || c.req.Points[0] != [2]float64{400, 300} {
		t.Errorf("Unexpected request: %+v", c.req)
	}
	c.reply <- okResponse(800, 600)
	s.Wait()

	boom := errors.New("outside")
	ok, err = s.AddPointFunc(ctx, types.Foreground, func(types.Size) (types.Point, error) {
		return types.Point{}, boom
	})
	if ok || !errors.Is(err, boom) {
		t.Errorf("Expected mapping error, got %v %v", ok, err)
	}
	if snap := s.Snapshot(); len(snap.Points) != 1 || snap.Pending {
		t.Errorf("Failed mapping must leave state alone, got %+v", snap)
	}
}

func TestWaitConcurrentWithAddPoint(t *testing.T) {
	g := newGatedClient()
	s := newTestSession(g)
	ctx := context.Background()

	stop := make(chan struct{})
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		for {
			select {
			case <-stop:
				return
			default:
				s.Wait()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		if ok, err := s.AddPoint(ctx, types.Point{X: float64(i), Y: float64(i)}, types.Foreground); err != nil || !ok {
			t.Fatalf("AddPoint %d failed: %v %v", i, ok, err)
		}
		g.next(t).reply <- okResponse(400, 400, square(0, 0, 10))
		s.Wait()
	}

	close(stop)
	select {
	case <-waiterDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the last prediction")
	}
	if n := len(s.Snapshot().Points); n != 20 {
		t.Errorf("Expected 20 points, got %d", n)
	}
}
