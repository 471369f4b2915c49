package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mtharp/bridgebid/announce"
	"github.com/mtharp/bridgebid/appconfig"
	"github.com/mtharp/bridgebid/engine"
	"github.com/mtharp/bridgebid/monitor"
	"github.com/mtharp/bridgebid/resultsdb"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// setupObservers starts every observer the config enables. The returned
// func releases them.
func setupObservers(ctx context.Context, cfg *appconfig.Config) (engine.Observers, func(), error) {
	obs := engine.Observers{newProgress(os.Stderr)}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.DatabaseURL != "" {
		db, err := resultsdb.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		obs = append(obs, db)
		closers = append(closers, db.Close)
	}
	if cfg.MonitorListen != "" {
		srv := monitor.New()
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.MonitorListen); err != nil {
				log.WithError(err).Error("monitor stopped")
			}
		}()
		obs = append(obs, srv)
	}
	if cfg.IRC.Server != "" {
		a, err := announce.Dial(cfg.IRC, announce.TokenSource(cfg.IRC.Token))
		if err != nil {
			log.WithError(err).Warn("announcements disabled")
		} else {
			obs = append(obs, a)
			closers = append(closers, a.Close)
		}
	}
	return obs, closeAll, nil
}

// progress draws a bar per episode.
type progress struct {
	engine.NopObserver
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) EpisodeStarted(r engine.EpisodeReport) {
	p.bar = progressbar.NewOptions(r.MaxSteps,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription(fmt.Sprintf("episode %d", r.Episode)),
		progressbar.OptionClearOnFinish(),
	)
	p.bar.Set(r.Steps)
}

func (p *progress) StepDone(r engine.StepReport) {
	if p.bar != nil {
		p.bar.Add(1)
	}
}

func (p *progress) EpisodeDone(r engine.EpisodeReport) {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
