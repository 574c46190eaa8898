package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hieu-vn/voip-ai-agent/internal/asr"
	"github.com/Hieu-vn/voip-ai-agent/internal/audio"
	"github.com/Hieu-vn/voip-ai-agent/internal/config"
	"github.com/Hieu-vn/voip-ai-agent/internal/control"
	"github.com/Hieu-vn/voip-ai-agent/internal/dialogue"
	"github.com/Hieu-vn/voip-ai-agent/internal/llm"
	"github.com/Hieu-vn/voip-ai-agent/internal/ops"
	"github.com/Hieu-vn/voip-ai-agent/internal/session"
	"github.com/Hieu-vn/voip-ai-agent/internal/track"
	"github.com/Hieu-vn/voip-ai-agent/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	tracker, err := track.New(cfg.Track.Path)
	if err != nil {
		log.Fatalf("open turn tracker: %v", err)
	}
	defer tracker.Close()

	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		FrameDuration: cfg.Audio.FrameDuration,
		PayloadType:   cfg.Audio.PayloadType,
	}

	// Process-wide backend clients; sessions borrow them, never own them.
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	registry := dialogue.DefaultRegistry(cfg.Dialogue.CRMBaseURL, cfg.Dialogue.KnowledgeBaseURL)
	engine := dialogue.NewEngine(llmClient, registry, dialogue.NewGuardrail(), cfg.Dialogue.ToolTimeout)
	synth := tts.NewClient(tts.Config{
		URL:         cfg.TTS.URL,
		Voice:       cfg.TTS.Voice,
		Language:    cfg.TTS.Language,
		SampleRate:  cfg.Audio.SampleRate,
		IdleTimeout: cfg.TTS.IdleTimeout,
		MaxDuration: cfg.TTS.MaxDuration,
	})
	ctrl := control.NewClient(control.Config{
		BaseURL:  cfg.Control.BaseURL,
		Username: cfg.Control.Username,
		Password: cfg.Control.Password,
		AppName:  cfg.Control.AppName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := func(callID, callerID string) (control.Session, error) {
		ch, err := audio.NewChannel(callID, cfg.Audio.BindIP, format)
		if err != nil {
			return nil, err
		}
		rec := asr.NewClient(callID, asr.Config{
			URL:              cfg.ASR.URL,
			Language:         cfg.ASR.Language,
			SampleRate:       cfg.Audio.SampleRate,
			ReconnectBackoff: cfg.ASR.ReconnectBackoff,
			MaxReconnects:    cfg.ASR.MaxReconnects,
			SilenceTimeout:   cfg.ASR.SilenceTimeout,
		})
		scfg := session.Config{
			TurnTimeout:       cfg.Session.TurnTimeout,
			BargeInConfidence: cfg.Session.BargeInConfidence,
			BargeInMinRunes:   cfg.Session.BargeInMinRunes,
			RepromptTimeout:   cfg.Session.RepromptTimeout,
			TransferTarget:    cfg.Control.TransferTarget,
			AdvertiseHost:     cfg.Audio.AdvertiseHost,
		}
		return session.New(callID, callerID, scfg, format, ch, rec, synth, engine, ctrl, tracker), nil
	}
	listener := control.NewListener(factory)

	srv := ops.NewServer(cfg.Ops.HTTPAddress, listener)
	go func() {
		log.Printf("ops endpoints listening on %s", cfg.Ops.HTTPAddress)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ops server: %v", err)
		}
	}()

	go listener.Run(ctx, ctrl.Events())

	log.Printf("agent up app=%s control=%s", cfg.Control.AppName, cfg.Control.BaseURL)
	_ = ctrl.Run(ctx) // blocks until shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("ops shutdown: %v", err)
	}
	log.Println("agent stopped")
}
