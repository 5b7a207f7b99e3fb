package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

const (
	defaultWeatherBaseURL = "https://api.openweathermap.org/data/2.5"
	forecastPoints        = 40
	maxProviderBody       = 2 << 20
)

type WeatherConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.openweathermap.org/data/2.5"`
	APIKey  string        `envconfig:"API_KEY" split_words:"true"`
	Units   string        `envconfig:"UNITS" split_words:"true" default:"metric"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"8s"`
}

func (c WeatherConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openweather api key is required", contractx.ErrValidation)
	}
	return nil
}

type weatherArgs struct {
	Location    string `json:"location" validate:"required"`
	CountryCode string `json:"country_code" validate:"omitempty,len=2,alpha"`
	StartDate   string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Units       string `json:"units" validate:"omitempty,oneof=metric imperial"`
}

// ForecastPoint is one 3-hour forecast step.
type ForecastPoint struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	PrecipPct   int       `json:"precipitation_probability"`
	Humidity    int       `json:"humidity"`
	Condition   string    `json:"condition"`
	Description string    `json:"description"`
}

// DaySummary aggregates the forecast points of one local day.
type DaySummary struct {
	Date          string  `json:"date"`
	MinTemp       float64 `json:"min_temperature"`
	MaxTemp       float64 `json:"max_temperature"`
	AvgTemp       float64 `json:"avg_temperature"`
	MaxPrecipPct  int     `json:"max_precipitation_probability"`
	AvgHumidity   int     `json:"avg_humidity"`
	Condition     string  `json:"condition"`
	ForecastCount int     `json:"forecast_count"`
}

type Forecast struct {
	Location string          `json:"location"`
	Country  string          `json:"country,omitempty"`
	Units    string          `json:"units"`
	Points   []ForecastPoint `json:"points"`
	Days     []DaySummary    `json:"days"`
}

type owmForecast struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
		Pop float64 `json:"pop"`
	} `json:"list"`
	City struct {
		Name     string `json:"name"`
		Country  string `json:"country"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
}

// WeatherSource reads the OpenWeatherMap 5-day / 3-hour forecast.
type WeatherSource struct {
	cfg        WeatherConfig
	httpClient *http.Client
}

func NewWeatherSource(cfg WeatherConfig, httpClient *http.Client) *WeatherSource {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultWeatherBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WeatherSource{cfg: cfg, httpClient: httpClient}
}

func (w *WeatherSource) Descriptor() contractx.CapabilityDescriptor {
	return contractx.CapabilityDescriptor{
		Name:        CapabilityWeather,
		Description: "Weather forecast (3-hour steps, about 5 days ahead) for a city over a date range, with per-day summaries.",
		Params: map[string]*schema.ParameterInfo{
			"location":     {Type: schema.String, Desc: "City name, e.g. Bangkok", Required: true},
			"country_code": {Type: schema.String, Desc: "Optional ISO 3166 two-letter country code"},
			"start_date":   {Type: schema.String, Desc: "First day, YYYY-MM-DD", Required: true},
			"end_date":     {Type: schema.String, Desc: "Last day, YYYY-MM-DD", Required: true},
			"units":        {Type: schema.String, Desc: "Unit system", Enum: []string{"metric", "imperial"}},
		},
	}
}

func (w *WeatherSource) Validate(args map[string]any) error {
	a, err := decodeArgs[weatherArgs](args)
	if err != nil {
		return err
	}
	_, _, err = dateRange(a.StartDate, a.EndDate, time.UTC)
	return err
}

func (w *WeatherSource) Fetch(ctx context.Context, args map[string]any) (Output, error) {
	a, err := decodeArgs[weatherArgs](args)
	if err != nil {
		return Output{}, err
	}
	units := a.Units
	if units == "" {
		units = w.cfg.Units
	}

	q := strings.TrimSpace(a.Location)
	if a.CountryCode != "" {
		q += "," + strings.ToUpper(a.CountryCode)
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("appid", w.cfg.APIKey)
	params.Set("units", units)
	params.Set("cnt", fmt.Sprint(forecastPoints))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"/forecast?"+params.Encode(), nil)
	if err != nil {
		return Output{}, fmt.Errorf("build weather request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Output{}, fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, &StatusError{Capability: CapabilityWeather, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var raw owmForecast
	if err := json.Unmarshal(body, &raw); err != nil {
		return Output{}, fmt.Errorf("decode weather response: %w", err)
	}
	return summarizeForecast(raw, a, units)
}

func summarizeForecast(raw owmForecast, a weatherArgs, units string) (Output, error) {
	loc := time.FixedZone(raw.City.Name, raw.City.Timezone)
	start, end, err := dateRange(a.StartDate, a.EndDate, loc)
	if err != nil {
		return Output{}, err
	}

	forecast := Forecast{Location: raw.City.Name, Country: raw.City.Country, Units: units}
	if forecast.Location == "" {
		forecast.Location = a.Location
	}

	var horizon time.Time
	for _, item := range raw.List {
		at := time.Unix(item.Dt, 0).In(loc)
		if at.After(horizon) {
			horizon = at
		}
		if at.Before(start) || !at.Before(end) {
			continue
		}
		p := ForecastPoint{
			Time:        at,
			Temperature: item.Main.Temp,
			PrecipPct:   int(math.Round(item.Pop * 100)),
			Humidity:    item.Main.Humidity,
		}
		if len(item.Weather) > 0 {
			p.Condition = item.Weather[0].Main
			p.Description = item.Weather[0].Description
		}
		forecast.Points = append(forecast.Points, p)
	}
	if len(forecast.Points) == 0 {
		return Output{}, fmt.Errorf("%w: %s %s..%s", ErrNoData, forecast.Location, a.StartDate, a.EndDate)
	}
	sort.Slice(forecast.Points, func(i, j int) bool { return forecast.Points[i].Time.Before(forecast.Points[j].Time) })
	forecast.Days = summarizeDays(forecast.Points)

	out := Output{Data: forecast}
	// The last 3-hour step covers up to horizon+3h.
	if horizon.Add(3 * time.Hour).Before(end) {
		out.Partial = true
		out.Note = fmt.Sprintf("forecast only reaches %s", horizon.Format(dateLayout))
	}
	out.Summary = weatherSummary(forecast, out.Partial)
	return out, nil
}

func summarizeDays(points []ForecastPoint) []DaySummary {
	type acc struct {
		summary    DaySummary
		tempSum    float64
		humSum     int
		conditions map[string]int
	}
	var order []string
	days := map[string]*acc{}
	for _, p := range points {
		key := p.Time.Format(dateLayout)
		d, ok := days[key]
		if !ok {
			d = &acc{
				summary:    DaySummary{Date: key, MinTemp: p.Temperature, MaxTemp: p.Temperature},
				conditions: map[string]int{},
			}
			days[key] = d
			order = append(order, key)
		}
		d.summary.MinTemp = math.Min(d.summary.MinTemp, p.Temperature)
		d.summary.MaxTemp = math.Max(d.summary.MaxTemp, p.Temperature)
		if p.PrecipPct > d.summary.MaxPrecipPct {
			d.summary.MaxPrecipPct = p.PrecipPct
		}
		d.summary.ForecastCount++
		d.tempSum += p.Temperature
		d.humSum += p.Humidity
		if p.Condition != "" {
			d.conditions[p.Condition]++
		}
	}

	out := make([]DaySummary, 0, len(order))
	for _, key := range order {
		d := days[key]
		s := d.summary
		s.AvgTemp = math.Round(d.tempSum/float64(s.ForecastCount)*10) / 10
		s.AvgHumidity = d.humSum / s.ForecastCount
		s.Condition = dominant(d.conditions)
		out = append(out, s)
	}
	return out
}

// dominant picks the most frequent condition, ties broken alphabetically.
func dominant(counts map[string]int) string {
	best, bestN := "", 0
	for cond, n := range counts {
		if n > bestN || (n == bestN && cond < best) {
			best, bestN = cond, n
		}
	}
	return best
}

func weatherSummary(f Forecast, partial bool) string {
	unit := "C"
	if f.Units == "imperial" {
		unit = "F"
	}
	parts := make([]string, 0, len(f.Days))
	for _, d := range f.Days {
		parts = append(parts, fmt.Sprintf("%s %s %.0f-%.0f%s rain %d%%", d.Date, strings.ToLower(d.Condition), d.MinTemp, d.MaxTemp, unit, d.MaxPrecipPct))
	}
	s := fmt.Sprintf("%s: %s", f.Location, strings.Join(parts, "; "))
	if partial {
		s += " (forecast horizon reached)"
	}
	return s
}

var _ Source = (*WeatherSource)(nil)
