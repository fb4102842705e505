package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lukasbauer/voxlive/internal/stt"
)

const defaultModel = "voxtral-mini-transcribe-realtime-2507"

type options struct {
	input      string
	apiKey     string
	model      string
	serverURL  string
	encoding   string
	sampleRate int
	frameMS    int
	realtime   bool
	jsonOut    bool
	debug      bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var opt options
	flag.StringVar(&opt.input, "in", "-", "Raw PCM input file, - for stdin")
	flag.StringVar(&opt.apiKey, "api-key", strings.TrimSpace(os.Getenv("MISTRAL_API_KEY")), "Service API key (also reads MISTRAL_API_KEY)")
	flag.StringVar(&opt.model, "model", defaultModel, "Transcription model")
	flag.StringVar(&opt.serverURL, "server-url", stt.DefaultServerURL, "Realtime transcription endpoint")
	flag.StringVar(&opt.encoding, "encoding", string(stt.EncodingPCMS16LE), "Input sample encoding")
	flag.IntVar(&opt.sampleRate, "sample-rate", 16000, "Input sample rate in Hz")
	flag.IntVar(&opt.frameMS, "frame-ms", 100, "Audio chunk duration in ms")
	flag.BoolVar(&opt.realtime, "realtime", false, "Pace chunks at playback speed")
	flag.BoolVar(&opt.jsonOut, "json", false, "Print every event as a JSON line")
	flag.BoolVar(&opt.debug, "debug", false, "Log engine activity to stderr")
	flag.Parse()

	if err := run(opt); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe: %v\n", err)
		return 1
	}
	return 0
}

func run(opt options) error {
	encoding := stt.Encoding(opt.encoding)
	bps := encoding.BytesPerSample()
	if bps == 0 {
		return fmt.Errorf("unsupported encoding %q", opt.encoding)
	}
	if opt.sampleRate <= 0 || opt.frameMS <= 0 {
		return errors.New("sample-rate and frame-ms must be positive")
	}

	in := io.Reader(os.Stdin)
	if opt.input != "-" {
		f, err := os.Open(opt.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	logger := log.New(io.Discard, "", 0)
	if opt.debug {
		logger = log.New(os.Stderr, "[debug] ", log.LstdFlags)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan stt.Event, 1)
	printer := newPrinter(os.Stdout, opt.jsonOut)
	manager := stt.NewManager(stt.ManagerConfig{ServerURL: opt.serverURL}, nil, logger)

	id, err := manager.StartSession(ctx, stt.SessionConfig{
		APIKey:     opt.apiKey,
		Model:      opt.model,
		Encoding:   encoding,
		SampleRate: opt.sampleRate,
		Sink: func(_ string, ev stt.Event) {
			printer.print(ev)
			if stt.IsTerminal(ev) {
				finished <- ev
			}
		},
	})
	if err != nil {
		return err
	}

	frame := make([]byte, opt.sampleRate*bps*opt.frameMS/1000)
	interval := time.Duration(opt.frameMS) * time.Millisecond
	go func() {
		defer manager.StopSession(id)
		for {
			n, err := io.ReadFull(in, frame)
			if n > 0 {
				manager.PushChunk(id, frame[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					logger.Printf("read input: %v", err)
				}
				return
			}
			if opt.realtime {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	select {
	case ev := <-finished:
		manager.StopSession(id)
		if e, ok := ev.(stt.ErrorEvent); ok {
			return fmt.Errorf("service error %d: %s", e.Code, e.Text())
		}
		if e, ok := ev.(stt.UnknownEvent); ok {
			return e.Cause
		}
		return nil
	case <-ctx.Done():
		manager.StopAll()
		return ctx.Err()
	}
}

type printer struct {
	w       io.Writer
	jsonOut bool
}

func newPrinter(w io.Writer, jsonOut bool) *printer {
	return &printer{w: w, jsonOut: jsonOut}
}

func (p *printer) print(ev stt.Event) {
	if p.jsonOut {
		data, err := stt.MarshalEvent(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}

	switch e := ev.(type) {
	case stt.TextDeltaEvent:
		fmt.Fprint(p.w, e.Text)
	case stt.LanguageEvent:
		fmt.Fprintf(p.w, "[language: %s]\n", e.AudioLanguage)
	case stt.SegmentEvent:
		fmt.Fprintf(p.w, "\n[%.2f-%.2f] %s\n", e.Start, e.End, e.Text)
	case stt.DoneEvent:
		usage, _ := json.Marshal(e.Usage)
		fmt.Fprintf(p.w, "\n[done] language=%s usage=%s\n", e.Language, usage)
	case stt.ErrorEvent:
		fmt.Fprintf(p.w, "\n[error %d] %s\n", e.Code, e.Text())
	}
}
