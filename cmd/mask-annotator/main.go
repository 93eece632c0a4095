package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"time"

	annotator "github.com/menta2k/mask-annotator"
	"github.com/menta2k/mask-annotator/internal/config"
	"github.com/menta2k/mask-annotator/internal/utils"
	"github.com/menta2k/mask-annotator/pkg/client"
	"github.com/menta2k/mask-annotator/pkg/cutout"
	"github.com/menta2k/mask-annotator/pkg/describe"
	"github.com/menta2k/mask-annotator/pkg/llamacpp"
	"github.com/menta2k/mask-annotator/pkg/ollama"
	"github.com/menta2k/mask-annotator/pkg/processing"
	"github.com/menta2k/mask-annotator/pkg/segserver"
	"github.com/menta2k/mask-annotator/pkg/session"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// report is written next to the images as snapshot.json
type report struct {
	Input       string             `json:"input"`
	Container   [2]float64         `json:"container"`
	Snapshot    session.Snapshot   `json:"snapshot"`
	Error       string             `json:"error,omitempty"`
	Cutout      string             `json:"cutout,omitempty"`
	Overlay     string             `json:"overlay,omitempty"`
	Description *types.Description `json:"description,omitempty"`
}

func main() {
	var in, points, container, configPath string
	var server, outDir, ext, edge string
	var quality int
	var lossless, rollback, filter, keep bool
	var doDescribe, checkVision bool
	var backend, visionURL, model, prompt string
	var writeConfig string
	var timeout time.Duration

	flag.StringVar(&in, "in", "", "input image path or URL (jpg/png/webp)")
	flag.StringVar(&points, "points", "", "clicks in viewer coordinates: x,y[,label];... (label 1=foreground, 0=background)")
	flag.StringVar(&container, "container", "", "viewer size WIDTHxHEIGHT the clicks refer to (default: image size)")
	flag.StringVar(&configPath, "config", "", "config file (default: "+config.GetConfigPath()+" if present)")

	flag.StringVar(&server, "server", "", "segmentation service URL")
	flag.DurationVar(&timeout, "timeout", 0, "per prediction timeout, 0=none")
	flag.StringVar(&edge, "edge", "", "clicks outside the image: clamp|reject")
	flag.BoolVar(&rollback, "rollback", false, "drop the point of a failed prediction")
	flag.BoolVar(&filter, "filter", true, "drop specks and whole-image polygons")
	flag.BoolVar(&keep, "keep", false, "keep the service session instead of deleting it")

	flag.StringVar(&outDir, "out", "", "output directory")
	flag.StringVar(&ext, "ext", "", "output format: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP output lossless mode")

	flag.BoolVar(&doDescribe, "describe", false, "describe the cut-out with a vision model")
	flag.StringVar(&backend, "backend", "", "vision backend: ollama or llamacpp")
	flag.StringVar(&visionURL, "url", "", "vision server URL")
	flag.StringVar(&model, "model", "", "vision model name")
	flag.StringVar(&prompt, "prompt", "", "custom description prompt")
	flag.BoolVar(&checkVision, "checkvision", false, "ask the model what it sees before describing")

	flag.StringVar(&writeConfig, "writeconfig", "", "write the effective configuration to this file and exit")

	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	// Flags given on the command line win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Server.URL = server
		case "timeout":
			cfg.Annotation.PredictTimeout = config.Duration(timeout)
		case "edge":
			cfg.Annotation.EdgePolicy = edge
		case "rollback":
			cfg.Annotation.RollbackOnFailure = rollback
		case "filter":
			cfg.Annotation.FilterContours = filter
		case "out":
			cfg.Output.OutputDir = outDir
		case "ext":
			cfg.Output.DefaultFormat = ext
		case "quality":
			cfg.Output.Quality = quality
		case "lossless":
			cfg.Output.Lossless = lossless
		case "describe":
			cfg.Describe.Enabled = doDescribe
		case "backend":
			cfg.Describe.Backend = backend
		case "url":
			cfg.Describe.URL = visionURL
		case "model":
			cfg.Describe.Model = model
		case "prompt":
			cfg.Describe.Prompt = prompt
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if writeConfig != "" {
		if err := cfg.SaveToFile(writeConfig); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", writeConfig)
		return
	}

	if in == "" || points == "" {
		log.Fatalf("usage: %s -in input.jpg|URL -points 'x,y,1;x,y,0' [-container 800x600] [-server url] [-out outdir] [-ext png|jpg|webp] [-describe] [-writeconfig file]", filepath.Base(os.Args[0]))
	}

	clicks, err := utils.ParseClicks(points)
	if err != nil {
		log.Fatal(err)
	}
	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		log.Fatal(err)
	}

	processor := processing.NewProcessor()
	img, data, err := processor.LoadImageSmart(in)
	if err != nil {
		log.Fatal(err)
	}
	bounds := img.Bounds()
	log.Printf("loaded %s (%dx%d, %s)", in, bounds.Dx(), bounds.Dy(), utils.FormatFileSize(int64(len(data))))

	containerW, containerH := float64(bounds.Dx()), float64(bounds.Dy())
	if container != "" {
		if containerW, containerH, err = utils.ParseSize(container); err != nil {
			log.Fatal(err)
		}
	}

	svc, err := segserver.NewClient(cfg.Server.URL, time.Duration(cfg.Server.Timeout))
	if err != nil {
		log.Fatalf("Failed to create segmentation client: %v", err)
	}

	ctx := context.Background()
	if h, err := svc.Health(ctx); err != nil {
		log.Printf("health check failed: %s", client.Message(err))
	} else if !h.ModelLoaded {
		log.Printf("warning: service reports model not loaded (status %s)", h.Status)
	}

	style, err := cfg.Style()
	if err != nil {
		log.Fatalf("invalid overlay style: %v", err)
	}
	a := annotator.New(svc, annotator.Config{
		EdgePolicy:        cfg.EdgePolicy(),
		RollbackOnFailure: cfg.Annotation.RollbackOnFailure,
		PredictTimeout:    time.Duration(cfg.Annotation.PredictTimeout),
		FilterContours:    cfg.Annotation.FilterContours,
		Style:             style,
		Logger:            log.Default(),
	})

	filename := utils.SanitizeFilename(filepath.Base(in))
	if _, err := a.Open(ctx, filename, data); err != nil {
		log.Fatalf("upload failed: %s", client.Message(err))
	}
	defer func() {
		if keep {
			id := a.Snapshot().SessionID
			info, err := svc.GetSession(ctx, id)
			if err != nil {
				log.Printf("keeping session %s: %s", id, client.Message(err))
				return
			}
			log.Printf("keeping session %s: %v", id, info)
			return
		}
		if err := a.Close(ctx); err != nil {
			log.Printf("close failed: %v", err)
		}
	}()

	out := report{Input: in, Container: [2]float64{containerW, containerH}}

	for i, c := range clicks {
		ok, err := a.Click(ctx, c.X, c.Y, containerW, containerH, c.Label)
		if err != nil {
			log.Printf("click %d at %.1f,%.1f rejected: %s", i+1, c.X, c.Y, client.Message(err))
			continue
		}
		if !ok {
			log.Printf("click %d dropped, prediction in flight", i+1)
			continue
		}
		a.Wait()

		snap := a.Snapshot()
		if snap.Err != nil {
			log.Printf("click %d: %s", i+1, client.Message(snap.Err))
			if a.Session().NeedsUpload() {
				break
			}
			continue
		}
		log.Printf("click %d (%s) -> %d polygons, iou=%s", i+1, c.Label, len(snap.Contours), formatIoU(snap.IoU))
	}

	out.Snapshot = a.Snapshot()
	log.Printf("session %s: %d points, state %s", out.Snapshot.SessionID, len(out.Snapshot.Points), a.Session().State())
	if out.Snapshot.Err != nil {
		out.Error = client.Message(out.Snapshot.Err)
	}

	overlayPath := utils.GenerateOutputFilename(in, cfg.Output.OutputDir, "_overlay", cfg.Output.DefaultFormat)
	if err := processor.SaveImage(a.Compose(img), overlayPath, cfg.Output.DefaultFormat, cfg.Output.Quality, cfg.Output.Lossless); err != nil {
		log.Printf("save %s failed: %v", overlayPath, err)
	} else {
		out.Overlay = overlayPath
		log.Printf("wrote %s", overlayPath)
	}

	cutCfg := cutout.Config{
		Background: color.White,
		Padding:    cfg.Cutout.Padding,
		MaxSize:    cfg.Cutout.MaxSize,
	}
	if cut, err := a.Cutout(img, cutCfg); err != nil {
		log.Printf("no cut-out: %v", err)
	} else {
		cutPath := utils.GenerateOutputFilename(in, cfg.Output.OutputDir, "_cutout", cfg.Output.DefaultFormat)
		if err := processor.SaveImage(cut.Image, cutPath, cfg.Output.DefaultFormat, cfg.Output.Quality, cfg.Output.Lossless); err != nil {
			log.Printf("save %s failed: %v", cutPath, err)
		} else {
			out.Cutout = cutPath
			log.Printf("wrote %s (%v)", cutPath, cut.Bounds)
		}

		if cfg.Describe.Enabled {
			desc, err := describeCutout(ctx, cfg, processor, a, img, cut.Image, cutCfg, checkVision)
			if err != nil {
				log.Printf("describe failed: %v", err)
			} else {
				out.Description = desc
				log.Printf("label=%q conf=%.2f tags=%v", desc.Label, desc.Confidence, desc.Tags)
				log.Printf("description: %s", desc.Description)
			}
		}
	}

	js, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("encode snapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Output.OutputDir, "snapshot.json"), js, 0o644); err != nil {
		log.Printf("write snapshot failed: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	if def := config.GetConfigPath(); fileExists(def) {
		return config.LoadFromFile(def)
	}
	return config.Default(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func describeCutout(ctx context.Context, cfg *config.Config, processor *processing.Processor, a *annotator.Annotator, img, cut image.Image, cutCfg cutout.Config, check bool) (*types.Description, error) {
	var visionClient client.VisionClient
	var err error

	switch cfg.Describe.Backend {
	case "ollama":
		visionClient, err = ollama.NewClient(cfg.Describe.URL)
	case "llamacpp":
		visionClient, err = llamacpp.NewClient(cfg.Describe.URL)
	default:
		err = fmt.Errorf("unknown backend: %s (use 'ollama' or 'llamacpp')", cfg.Describe.Backend)
	}
	if err != nil {
		return nil, err
	}

	describer := describe.NewDescriber(visionClient, cfg.Describe.Model)
	if cfg.Describe.Prompt != "" {
		describer = describer.WithPrompt(cfg.Describe.Prompt)
	}

	// Small models sometimes answer without looking at the image
	if check {
		imgB64, err := processor.PrepareImageForModel(cut, "png", 0, 0)
		if err != nil {
			return nil, err
		}
		answer, err := describer.TestVision(ctx, imgB64)
		if err != nil {
			return nil, fmt.Errorf("vision check: %w", err)
		}
		log.Printf("model sees: %s", answer)
	}

	return a.Describe(ctx, describer, img, cutCfg)
}

func formatIoU(iou *float64) string {
	if iou == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", *iou)
}
