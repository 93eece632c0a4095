// Package session keeps the point history and the latest predicted mask for
// one uploaded image.
//
// A Session is single-flight: while a prediction is outstanding further
// points are dropped, not queued. Every request is tagged with the session id
// and reset epoch it was issued under, and its result is applied only if both
// still match when it completes. Reset never cancels the outstanding call; its
// late result is simply discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/menta2k/mask-annotator/pkg/client"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// State is the observable phase of a session
type State int

const (
	StateEmpty State = iota
	StateAccumulating
	StatePredicting
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StatePredicting:
		return "predicting"
	default:
		return "empty"
	}
}

// Snapshot is a copy of the session state at one moment
type Snapshot struct {
	SessionID  string          `json:"session_id"`
	ImageSize  types.Size      `json:"image_size"`
	Points     []types.Point   `json:"points"`
	Labels     []types.Label   `json:"labels"`
	Contours   []types.Polygon `json:"contours"`
	ContourBox types.Size      `json:"contour_box"`
	IoU        *float64        `json:"iou,omitempty"`
	Pending    bool            `json:"pending"`
	Epoch      uint64          `json:"epoch"`
	Err        error           `json:"-"`
}

// HasContours reports whether the snapshot carries a prediction result
func (s Snapshot) HasContours() bool {
	return len(s.Contours) > 0 && !s.ContourBox.Empty()
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger used for discarded results and failures
func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout bounds every prediction call. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithRollbackOnFailure removes the point that triggered a failed prediction
// so history and contours stay consistent.
func WithRollbackOnFailure(rollback bool) Option {
	return func(s *Session) { s.rollback = rollback }
}

// WithOnChange registers a callback invoked with a fresh snapshot after every
// applied mutation. It runs outside the session lock.
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *Session) { s.onChange = fn }
}

// Session is the annotation state for one service session
type Session struct {
	client client.PredictionClient

	mu         sync.Mutex
	id         string
	size       types.Size
	points     []types.Point
	labels     []types.Label
	contours   []types.Polygon
	contourBox types.Size
	iou        *float64
	pending    bool
	epoch      uint64
	lastErr    error

	timeout  time.Duration
	rollback bool
	logger   *log.Logger
	onChange func(Snapshot)

	// goroutines still running predict, stale ones included
	inflight int
	idle     *sync.Cond
}

// New creates a session for the image the service registered under id
func New(c client.PredictionClient, id string, size types.Size, opts ...Option) *Session {
	s := &Session{
		client: c,
		id:     id,
		size:   size,
		logger: log.New(io.Discard, "", 0),
	}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPoint appends a labelled point and asks for a new mask computed from the
// whole history. It returns false without error when a prediction is already
// in flight. ctx bounds the prediction call, which runs in its own goroutine.
func (s *Session) AddPoint(ctx context.Context, p types.Point, label types.Label) (bool, error) {
	return s.AddPointFunc(ctx, label, func(types.Size) (types.Point, error) { return p, nil })
}

// AddPointFunc is AddPoint for a point that depends on the image size. toPoint
// runs under the session lock with the current size, so a concurrent Replace
// cannot pair a point mapped for one image with the history of another.
func (s *Session) AddPointFunc(ctx context.Context, label types.Label, toPoint func(types.Size) (types.Point, error)) (bool, error) {
	if !label.Valid() {
		return false, &client.Error{Kind: client.ErrValidation, Detail: fmt.Sprintf("unknown label %d", int(label))}
	}

	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return false, nil
	}
	if s.id == "" {
		s.mu.Unlock()
		return false, &client.Error{Kind: client.ErrValidation, Detail: "no session"}
	}
	size := s.size
	p, err := toPoint(size)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !size.Contains(p) {
		s.mu.Unlock()
		return false, &client.Error{
			Kind:   client.ErrValidation,
			Detail: fmt.Sprintf("point (%.1f,%.1f) outside image %.0fx%.0f", p.X, p.Y, size.Width, size.Height),
		}
	}

	s.points = append(s.points, p)
	s.labels = append(s.labels, label)
	s.pending = true
	s.lastErr = nil

	id, epoch := s.id, s.epoch
	req := types.NewPredictRequest(id, s.points, s.labels)
	s.inflight++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	go s.predict(ctx, id, epoch, req)
	return true, nil
}

func (s *Session) predict(ctx context.Context, id string, epoch uint64, req types.PredictRequest) {
	// counted until the result is applied and observers notified
	defer s.done()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.client.Predict(ctx, req)
	if err == nil && (resp == nil || resp.Width <= 0 || resp.Height <= 0) {
		err = &client.Error{Kind: client.ErrPrediction, Detail: "response without contour box"}
	}

	s.mu.Lock()
	if epoch != s.epoch || id != s.id {
		current, currentEpoch := s.id, s.epoch
		s.mu.Unlock()
		s.logger.Printf("discarding stale prediction for session %s epoch %d (current %s epoch %d)", id, epoch, current, currentEpoch)
		return
	}

	s.pending = false
	if err != nil {
		s.lastErr = err
		if s.rollback && len(s.points) > 0 {
			s.points = s.points[:len(s.points)-1]
			s.labels = s.labels[:len(s.labels)-1]
		}
		s.logger.Printf("prediction failed for session %s with %d points: %v", id, len(req.Points), err)
	} else if polys := resp.Polygons(); len(polys) > 0 {
		s.contours = polys
		s.contourBox = resp.Box()
		s.iou = resp.IoU
	} else {
		s.contours = nil
		s.contourBox = types.Size{}
		s.iou = resp.IoU
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// Reset discards the history and the current mask. An outstanding prediction
// keeps running but its result will be ignored.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resetLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// Replace points the session at a newly uploaded image. It resets the session
// and reports true if the id or the size changed.
func (s *Session) Replace(id string, size types.Size) bool {
	s.mu.Lock()
	if id == s.id && size == s.size {
		s.mu.Unlock()
		return false
	}
	s.id = id
	s.size = size
	s.resetLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

func (s *Session) resetLocked() {
	s.epoch++
	s.points = nil
	s.labels = nil
	s.contours = nil
	s.contourBox = types.Size{}
	s.iou = nil
	s.pending = false
	s.lastErr = nil
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		ImageSize:  s.size,
		Points:     append([]types.Point(nil), s.points...),
		Labels:     append([]types.Label(nil), s.labels...),
		ContourBox: s.contourBox,
		Pending:    s.pending,
		Epoch:      s.epoch,
		Err:        s.lastErr,
	}
	if s.iou != nil {
		iou := *s.iou
		snap.IoU = &iou
	}
	if len(s.contours) > 0 {
		snap.Contours = make([]types.Polygon, len(s.contours))
		for i, c := range s.contours {
			snap.Contours[i] = append(types.Polygon(nil), c...)
		}
	}
	return snap
}

func (s *Session) notify(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}

// State returns the current phase
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pending:
		return StatePredicting
	case len(s.points) == 0:
		return StateEmpty
	default:
		return StateAccumulating
	}
}

// Pending reports whether a prediction is outstanding
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Epoch returns the reset counter
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// ID returns the service session id
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// ImageSize returns the server image size
func (s *Session) ImageSize() types.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// LastError returns the error of the most recent prediction, if it failed
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// NeedsUpload reports whether the service forgot the image and it has to be
// uploaded again before more points can be predicted.
func (s *Session) NeedsUpload() bool {
	return errors.Is(s.LastError(), client.ErrSessionExpired)
}

func (s *Session) done() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

// Wait blocks until no prediction goroutine is running, including ones whose
// results will be discarded. It may be called concurrently with AddPoint.
func (s *Session) Wait() {
	s.mu.Lock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}
