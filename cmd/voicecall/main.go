package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/novalabs/novavoice/internal/audio"
	"github.com/novalabs/novavoice/internal/auth"
	"github.com/novalabs/novavoice/internal/client"
)

// voicecall streams a local audio clip through a running server and
// saves the synthesized reply. Useful for smoke-testing a deployment
// end to end without a browser client.
func main() {
	var (
		serverURL  = flag.String("server", "ws://127.0.0.1:8080/v1/voice/ws", "websocket endpoint")
		credential = flag.String("credential", "", "pre-issued credential (overrides -secret)")
		secret     = flag.String("secret", "", "auth secret for self-signing a credential")
		userID     = flag.String("user", "voicecall", "user id for self-signed credentials")
		tier       = flag.String("tier", "free", "tier for self-signed credentials")
		inPath     = flag.String("in", "", "input audio file (raw PCM16LE mono or WAV)")
		outPath    = flag.String("out", "reply.wav", "output WAV file for the reply audio")
		sampleRate = flag.Int("rate", 16000, "sample rate of the input audio")
		quiet      = flag.Duration("quiet", 3*time.Second, "stop after this long without server audio")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if *inPath == "" {
		logger.Fatal().Msg("-in is required")
	}
	cred := *credential
	if cred == "" {
		if *secret == "" {
			logger.Fatal().Msg("either -credential or -secret is required")
		}
		cred = auth.SignCredential(*secret, *userID, *tier, time.Now().Add(time.Hour))
	}

	pcm, err := readPCM(*inPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("read input audio")
	}

	c := client.New(client.Config{
		ServerURL:  *serverURL,
		Credential: cred,
		Logger:     logger,
	})
	events, err := c.Connect(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	logger.Info().Str("session_id", c.SessionID()).Msg("session started")

	if err := c.SendPCM(pcm); err != nil {
		logger.Fatal().Err(err).Msg("send audio")
	}

	var reply []byte
	timer := time.NewTimer(*quiet)
	defer timer.Stop()

collect:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break collect
			}
			switch ev.Type {
			case client.EventAudio:
				reply = append(reply, ev.PCM...)
				timer.Reset(*quiet)
			case client.EventTranscript:
				if ev.Final {
					fmt.Printf("you: %s\n", ev.Text)
				}
			case client.EventError:
				logger.Warn().Str("code", ev.Code).Str("detail", ev.Detail).Msg("server error")
			case client.EventClosed:
				break collect
			}
		case <-timer.C:
			break collect
		}
	}

	_ = c.End()
	c.Close()

	if len(reply) == 0 {
		logger.Fatal().Msg("no reply audio received")
	}
	if err := audio.WriteWAVPCM16LEFile(*outPath, reply, *sampleRate); err != nil {
		logger.Fatal().Err(err).Msg("write reply")
	}
	logger.Info().Str("path", *outPath).Int("bytes", len(reply)).Msg("reply saved")
}

// readPCM loads raw PCM16LE samples, stripping a WAV header when the
// file carries one.
func readPCM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 44 && bytes.HasPrefix(data, []byte("RIFF")) {
		idx := bytes.Index(data, []byte("data"))
		if idx < 0 || idx+8 > len(data) {
			return nil, fmt.Errorf("malformed WAV file")
		}
		return data[idx+8:], nil
	}
	return data, nil
}
