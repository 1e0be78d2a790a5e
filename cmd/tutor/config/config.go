// Package config loads the tutor CLI configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	CaptureMiniaudio = "miniaudio"
	CapturePortaudio = "portaudio"

	PlaybackMiniaudio = "miniaudio"
	PlaybackOto       = "oto"

	DialogueHTTP = "http"
	DialogueGroq = "groq"
)

type Config struct {
	DialogueBackend string
	DialogueURL     string
	DialogueAPIKey  string
	GroqAPIKey      string
	GroqModel       string

	DeepgramAPIKey      string
	RecognitionModel    string
	RecognitionLanguage string
	NoSpeechTimeout     time.Duration

	Voice             string
	SynthesizeReplies bool

	CaptureBackend  string
	PlaybackBackend string
	BufferFrames    int

	RestartDelay    time.Duration
	SilenceWindow   time.Duration
	SpeechThreshold float64
	LevelDivisor    float64
	ListenOnStart   bool

	SessionDir string
	ExportDir  string
}

// Load reads the configuration. Values from a .env file in the working
// directory are used for variables not already set in the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DialogueBackend: strings.ToLower(getEnv("TUTOR_DIALOGUE_BACKEND", DialogueHTTP)),
		DialogueURL:     getEnv("TUTOR_DIALOGUE_URL", "http://localhost:3000/api/voice-chat"),
		DialogueAPIKey:  getEnv("TUTOR_API_KEY", ""),
		GroqAPIKey:      getEnv("GROQ_API_KEY", ""),
		GroqModel:       getEnv("GROQ_MODEL", ""),

		DeepgramAPIKey:      getEnv("DEEPGRAM_API_KEY", ""),
		RecognitionModel:    getEnv("DEEPGRAM_MODEL", "nova-3"),
		RecognitionLanguage: getEnv("DEEPGRAM_LANGUAGE", "en-US"),
		NoSpeechTimeout:     getEnvDuration("TUTOR_NO_SPEECH_TIMEOUT", 8*time.Second),

		Voice:             getEnv("TUTOR_VOICE", ""),
		SynthesizeReplies: getEnvBool("TUTOR_SYNTHESIZE_REPLIES", true),

		CaptureBackend:  strings.ToLower(getEnv("TUTOR_CAPTURE_BACKEND", CaptureMiniaudio)),
		PlaybackBackend: strings.ToLower(getEnv("TUTOR_PLAYBACK_BACKEND", PlaybackMiniaudio)),
		BufferFrames:    getEnvInt("TUTOR_BUFFER_FRAMES", 480),

		RestartDelay:    getEnvDuration("TUTOR_RESTART_DELAY", time.Second),
		SilenceWindow:   getEnvDuration("TUTOR_SILENCE_WINDOW", 1500*time.Millisecond),
		SpeechThreshold: getEnvFloat("TUTOR_SPEECH_THRESHOLD", 0.1),
		LevelDivisor:    getEnvFloat("TUTOR_LEVEL_DIVISOR", 0.2),
		ListenOnStart:   getEnvBool("TUTOR_LISTEN_ON_START", true),

		SessionDir: getEnv("TUTOR_SESSION_DIR", "sessions"),
		ExportDir:  getEnv("TUTOR_EXPORT_DIR", "."),
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DialogueBackend {
	case DialogueHTTP:
		if c.DialogueURL == "" {
			errs = append(errs, errors.New("TUTOR_DIALOGUE_URL is required"))
		}
	case DialogueGroq:
		if c.GroqAPIKey == "" {
			errs = append(errs, errors.New("GROQ_API_KEY is required for the groq dialogue backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dialogue backend %q", c.DialogueBackend))
	}
	if c.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if c.CaptureBackend != CaptureMiniaudio && c.CaptureBackend != CapturePortaudio {
		errs = append(errs, fmt.Errorf("unknown capture backend %q", c.CaptureBackend))
	}
	if c.PlaybackBackend != PlaybackMiniaudio && c.PlaybackBackend != PlaybackOto {
		errs = append(errs, fmt.Errorf("unknown playback backend %q", c.PlaybackBackend))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold >= 1 {
		errs = append(errs, fmt.Errorf("speech threshold must be in (0,1), got %v", c.SpeechThreshold))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
