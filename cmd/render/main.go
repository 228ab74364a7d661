// Command render runs one drawing job from the terminal: script file and
// image files in, DWG out. Useful for smoke-testing credentials and the
// activity setup without the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/planhaus/tiles/backend/pkg/aps"
	"github.com/planhaus/tiles/backend/pkg/config"
	"github.com/planhaus/tiles/backend/pkg/logger"
	"github.com/planhaus/tiles/backend/pkg/pipeline"
)

var tokenScopes = []string{"code:all", "bucket:create", "bucket:delete", "bucket:read", "data:create", "data:read", "data:write"}

func main() {
	scriptPath := flag.String("script", "", "path to the drawing script")
	name := flag.String("name", "render", "logical job name")
	out := flag.String("out", "result.dwg", "output path for the drawing")
	flag.Parse()

	if *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: render -script plan.scr [-name job] [-out result.dwg] image1.png image2.png ...")
		os.Exit(2)
	}

	log := logger.New()

	cfg, err := config.LoadService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	script, err := os.ReadFile(*scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read script: %v\n", err)
		os.Exit(1)
	}

	req := pipeline.RenderRequest{Name: *name, Script: string(script)}
	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read image %s: %v\n", path, err)
			os.Exit(1)
		}
		req.Images = append(req.Images, pipeline.ImageInput{Name: filepath.Base(path), Data: data})
	}

	tokens := aps.NewTokenCache(cfg.APSBaseURL, cfg.APSClientID, cfg.APSClientSecret, tokenScopes)
	activities := aps.NewActivitiesClient(cfg.APSBaseURL, cfg.APSRegion, cfg.APSNickname, cfg.APSEngine, cfg.APSActivity, tokens, log)
	storage := aps.NewStorageClient(cfg.APSBaseURL, tokens, log)
	workitems := aps.NewWorkItemsClient(cfg.APSBaseURL, cfg.APSRegion, tokens)

	orch := pipeline.New(tokens, activities, storage, workitems, log)
	orch.PollInterval = cfg.PollInterval()
	orch.MaxPollAttempts = cfg.MaxPollAttempts
	orch.OutputTTL = cfg.OutputTTL()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProcessingTimeout()+cfg.OutputTTL())
	defer cancel()

	result := orch.Run(ctx, req, func(p pipeline.Progress) {
		if p.Indeterminate {
			fmt.Fprintf(os.Stderr, "working... (%s elapsed)\n", p.Elapsed.Round(time.Second))
			return
		}
		fmt.Fprintf(os.Stderr, "%d%% (%s elapsed)\n", p.Percent, p.Elapsed.Round(time.Second))
	})

	if !result.Success {
		for _, e := range result.Errors {
			fmt.Fprintln(os.Stderr, "error:", e)
		}
		if result.Report != "" {
			fmt.Fprintln(os.Stderr, "--- executor report ---")
			fmt.Fprintln(os.Stderr, result.Report)
		}
		os.Exit(1)
	}

	if err := os.WriteFile(*out, result.Output, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d bytes), work item %s\n", *out, len(result.Output), result.WorkItemID)
}
