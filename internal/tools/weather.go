// Package tools holds the functions the assistant can call while replying.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/voice-agent/internal/llm"
)

const (
	// DefaultWeatherURL is Weatherstack's current-conditions endpoint
	DefaultWeatherURL = "http://api.weatherstack.com/current"

	weatherToolName = "get_weather"
)

// Cities the weather tool answers for
var Cities = []string{"Paris", "Madrid", "London"}

// ErrUnsupportedCity is returned for cities outside Cities
var ErrUnsupportedCity = errors.New("unsupported city")

type weatherArgs struct {
	City string `json:"city" jsonschema:"enum=Paris,enum=Madrid,enum=London" jsonschema_description:"The city to get the weather for."`
}

type weatherResponse struct {
	Current *struct {
		ObservationTime     string   `json:"observation_time"`
		Temperature         float64  `json:"temperature"`
		WeatherDescriptions []string `json:"weather_descriptions"`
	} `json:"current"`
	Error *struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

// WeatherConfig configures the Weather tool
type WeatherConfig struct {
	APIKey string
	URL    string
	// RequestsPerSecond caps calls to the upstream API across all sessions
	RequestsPerSecond float64
	Burst             int
}

// Weather fetches current conditions from Weatherstack
type Weather struct {
	apiKey     string
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
	params     map[string]any
}

// NewWeather creates the tool. A nil httpClient uses a client with a 10s timeout.
func NewWeather(cfg WeatherConfig, httpClient *http.Client, logger zerolog.Logger) (*Weather, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("weather: apiKey must not be empty")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultWeatherURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	params, err := argumentSchema()
	if err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}

	return &Weather{
		apiKey:     cfg.APIKey,
		url:        cfg.URL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.With().Str("tool", weatherToolName).Logger(),
		params:     params,
	}, nil
}

// argumentSchema reflects weatherArgs into a plain JSON schema object
func argumentSchema() (map[string]any, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(&weatherArgs{})

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(out, "$schema")
	return out, nil
}

// Definition implements llm.Tool
func (w *Weather) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        weatherToolName,
		Description: "Fetch the weather for a given city. Only Paris, Madrid and London are available.",
		Parameters:  w.params,
	}
}

// Call implements llm.Tool
func (w *Weather) Call(ctx context.Context, arguments json.RawMessage) (string, error) {
	var args weatherArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("weather: invalid arguments: %w", err)
	}
	return w.Current(ctx, args.City)
}

// Current returns a sentence describing the weather in city
func (w *Weather) Current(ctx context.Context, city string) (string, error) {
	if !slices.Contains(Cities, city) {
		return "", fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedCity, city, strings.Join(Cities, ", "))
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("weather: %w", err)
	}

	w.logger.Info().Str("city", city).Msg("Getting weather")

	q := url.Values{}
	q.Set("access_key", w.apiKey)
	q.Set("query", city)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("weather: create request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather: API returned status %d", resp.StatusCode)
	}

	var data weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("weather: decode response: %w", err)
	}
	// Weatherstack reports failures with a 200 and an error object
	if data.Error != nil {
		return "", fmt.Errorf("weather: API error %d: %s", data.Error.Code, data.Error.Info)
	}
	if data.Current == nil || len(data.Current.WeatherDescriptions) == 0 {
		return "", fmt.Errorf("weather: incomplete response for %s", city)
	}

	c := data.Current
	return fmt.Sprintf("At %s, the temperature in %s is %s°C. The weather is %s",
		c.ObservationTime, city, formatTemperature(c.Temperature), strings.ToLower(c.WeatherDescriptions[0])), nil
}

func formatTemperature(t float64) string {
	if t == float64(int64(t)) {
		return fmt.Sprintf("%d", int64(t))
	}
	return fmt.Sprintf("%.1f", t)
}
