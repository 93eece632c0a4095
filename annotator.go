// Package annotator provides interactive point-prompted mask annotation.
//
// An image is uploaded once to a segmentation service, which returns a
// session id. Every click on the displayed image is mapped from container
// space into server pixel space and sent, together with all earlier clicks,
// to the service, which answers with the contours of the predicted mask. The
// contours are mapped back into container space for drawing.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"os"
//		"time"
//
//		annotator "github.com/menta2k/mask-annotator"
//		"github.com/menta2k/mask-annotator/pkg/segserver"
//		"github.com/menta2k/mask-annotator/pkg/types"
//	)
//
//	func main() {
//		svc, err := segserver.NewClient("http://localhost:8000", 60*time.Second)
//		if err != nil {
//			log.Fatal(err)
//		}
//		a := annotator.New(svc, annotator.DefaultConfig())
//
//		data, _ := os.ReadFile("bag.jpg")
//		ctx := context.Background()
//		if _, err := a.Open(ctx, "bag.jpg", data); err != nil {
//			log.Fatal(err)
//		}
//		defer a.Close(ctx)
//
//		// a click in the middle of an 800x600 viewer
//		if _, err := a.Click(ctx, 400, 300, 800, 600, types.Foreground); err != nil {
//			log.Fatal(err)
//		}
//		a.Wait()
//
//		overlay := a.Overlay(800, 600)
//		log.Printf("%d polygons", len(overlay.Polygons))
//	}
//
// The package consists of these components:
//
// 1. Geometry (pkg/geometry): contain-fit layout and click mapping
// 2. Session (pkg/session): single-flight point history with stale result discard
// 3. Segmentation client (pkg/segserver): HTTP client for the mask service
// 4. Render (pkg/render): contour scaling, rasterizing and filtering
// 5. Cut-out (pkg/cutout): selected region on a plain background
// 6. Describe (pkg/describe): optional labelling of the cut-out by a vision model
package annotator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"time"

	"github.com/menta2k/mask-annotator/pkg/client"
	"github.com/menta2k/mask-annotator/pkg/cutout"
	"github.com/menta2k/mask-annotator/pkg/describe"
	"github.com/menta2k/mask-annotator/pkg/geometry"
	"github.com/menta2k/mask-annotator/pkg/processing"
	"github.com/menta2k/mask-annotator/pkg/render"
	"github.com/menta2k/mask-annotator/pkg/session"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// Version of the mask annotator library
const Version = "1.0.0"

// ErrNoSession is returned when an operation needs an uploaded image
var ErrNoSession = errors.New("no image uploaded")

// Config controls an Annotator
type Config struct {
	EdgePolicy        geometry.EdgePolicy
	RollbackOnFailure bool
	// PredictTimeout bounds each prediction call, zero means none
	PredictTimeout time.Duration
	// FilterContours drops speck and whole-image polygons before drawing
	FilterContours bool
	Style          render.Style
	Logger         *log.Logger
	OnChange       func(session.Snapshot)
}

// DefaultConfig clamps letterbox clicks and keeps points of failed predictions
func DefaultConfig() Config {
	return Config{
		EdgePolicy:     geometry.EdgeClamp,
		FilterContours: true,
		Style:          render.DefaultStyle(),
	}
}

// Annotator ties the click mapper, the session and the renderer together for
// one viewer.
type Annotator struct {
	client    client.SessionClient
	mapper    *geometry.Mapper
	session   *session.Session
	processor *processing.Processor
	cfg       Config
	logger    *log.Logger
}

// New creates an Annotator with no image loaded
func New(c client.SessionClient, cfg Config) *Annotator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithRollbackOnFailure(cfg.RollbackOnFailure),
		session.WithTimeout(cfg.PredictTimeout),
	}
	if cfg.OnChange != nil {
		opts = append(opts, session.WithOnChange(cfg.OnChange))
	}

	return &Annotator{
		client:    c,
		mapper:    geometry.NewMapperWithPolicy(cfg.EdgePolicy),
		session:   session.New(c, "", types.Size{}, opts...),
		processor: processing.NewProcessor(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Open uploads an image and points the annotator at the new service session.
// Points and masks of the previous image are discarded.
func (a *Annotator) Open(ctx context.Context, filename string, data []byte) (*types.SessionInfo, error) {
	info, err := a.client.CreateSession(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	size := types.Size{Width: float64(info.ImageInfo.Width), Height: float64(info.ImageInfo.Height)}
	if size.Empty() {
		return nil, &client.Error{Kind: client.ErrPrediction, Detail: "service returned no image size"}
	}

	previous := a.session.ID()
	a.session.Replace(info.SessionID, size)
	a.logger.Printf("opened session %s for %s (%dx%d)", info.SessionID, filename, info.ImageInfo.Width, info.ImageInfo.Height)

	if previous != "" && previous != info.SessionID {
		if err := a.client.DeleteSession(ctx, previous); err != nil {
			a.logger.Printf("failed to delete previous session %s: %v", previous, err)
		}
	}
	return info, nil
}

// Attach points the annotator at an existing service session
func (a *Annotator) Attach(sessionID string, size types.Size) bool {
	return a.session.Replace(sessionID, size)
}

// Click maps a click at (x, y) inside a containerW x containerH viewer to
// server space and adds it as a point. It returns false when the click was
// dropped because a prediction is in flight.
func (a *Annotator) Click(ctx context.Context, x, y, containerW, containerH float64, label types.Label) (bool, error) {
	if a.session.ImageSize().Empty() {
		return false, ErrNoSession
	}

	return a.session.AddPointFunc(ctx, label, func(size types.Size) (types.Point, error) {
		if size.Empty() {
			return types.Point{}, ErrNoSession
		}
		return a.mapper.ToServerSpace(x, y, containerW, containerH, size.Width, size.Height)
	})
}

// Overlay returns the current mask and points laid out for a containerW x
// containerH viewer. Call it again after every resize.
func (a *Annotator) Overlay(containerW, containerH float64) render.Overlay {
	snap := a.session.Snapshot()
	box := geometry.Fit(containerW, containerH, snap.ImageSize.Width, snap.ImageSize.Height)

	contours := snap.Contours
	if a.cfg.FilterContours {
		contours = render.FilterContours(contours, snap.ContourBox)
	}

	return render.Render(contours, snap.ContourBox, box).
		WithMarkers(snap.Points, snap.Labels, snap.ImageSize)
}

// Compose draws the current mask and points over img, which must be the
// uploaded image.
func (a *Annotator) Compose(img image.Image) *image.NRGBA {
	b := img.Bounds()
	overlay := a.Overlay(float64(b.Dx()), float64(b.Dy()))
	return a.processor.ComposeOverlay(img, overlay, a.cfg.Style)
}

// Cutout extracts the current selection from img
func (a *Annotator) Cutout(img image.Image, cfg cutout.Config) (cutout.Result, error) {
	snap := a.session.Snapshot()
	if !snap.HasContours() {
		return cutout.Result{}, cutout.ErrEmptySelection
	}

	contours := snap.Contours
	if a.cfg.FilterContours {
		contours = render.FilterContours(contours, snap.ContourBox)
	}
	return cutout.Extract(img, contours, snap.ContourBox, cfg)
}

// Describe cuts out the current selection and asks a vision model about it
func (a *Annotator) Describe(ctx context.Context, d *describe.Describer, img image.Image, cfg cutout.Config) (*types.Description, error) {
	cut, err := a.Cutout(img, cfg)
	if err != nil {
		return nil, err
	}

	imgB64, err := a.processor.PrepareImageForModel(cut.Image, "png", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("encode cut-out: %w", err)
	}
	return d.Describe(ctx, imgB64)
}

// Reset clears points and masks of the current image
func (a *Annotator) Reset() {
	a.session.Reset()
}

// Snapshot returns a copy of the session state
func (a *Annotator) Snapshot() session.Snapshot {
	return a.session.Snapshot()
}

// Session exposes the underlying session
func (a *Annotator) Session() *session.Session {
	return a.session
}

// Wait blocks until outstanding predictions have finished
func (a *Annotator) Wait() {
	a.session.Wait()
}

// Close deletes the service session, if any. An outstanding prediction is
// not waited for; its result is discarded.
func (a *Annotator) Close(ctx context.Context) error {
	id := a.session.ID()
	if id == "" {
		return nil
	}
	a.session.Replace("", types.Size{})
	if err := a.client.DeleteSession(ctx, id); err != nil && !errors.Is(err, client.ErrSessionExpired) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
