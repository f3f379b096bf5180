package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"clawnode/internal/domain"
)

const bytesPerGB = 1 << 30

var sensorKinds = []string{"all", "battery", "memory", "storage", "host"}

// Sensor reports host telemetry through the sensor_read action.
type Sensor struct {
	powerSupplyDir string
	storagePath    string
	started        time.Time
	logger         *slog.Logger
}

// NewSensor creates the sensor capability. Battery state is read from
// powerSupplyDir (a sysfs power_supply class directory) and storage figures
// describe the filesystem holding storagePath.
func NewSensor(powerSupplyDir, storagePath string, logger *slog.Logger) *Sensor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sensor{
		powerSupplyDir: powerSupplyDir,
		storagePath:    storagePath,
		started:        time.Now(),
		logger:         logger,
	}
}

func (s *Sensor) Name() string      { return "sensor" }
func (s *Sensor) Actions() []string { return []string{"sensor_read"} }

func (s *Sensor) ParamSchemas() map[string]json.RawMessage {
	enum, _ := json.Marshal(sensorKinds)
	return map[string]json.RawMessage{
		"sensor_read": json.RawMessage(`{
			"type": "object",
			"properties": {"sensor": {"enum": ` + string(enum) + `}}
		}`),
	}
}

func (s *Sensor) Execute(ctx context.Context, cmd domain.Command) (*domain.Result, error) {
	kind := stringParam(cmd.Params, "sensor", "all")
	want := func(k string) bool { return kind == "all" || kind == k }

	data := make(map[string]any)
	if want("battery") {
		data["battery"] = s.battery()
	}
	if want("memory") {
		data["memory"] = memory()
	}
	if want("storage") {
		st, err := storage(s.storagePath)
		if err != nil {
			s.logger.Debug("storage stats unavailable", "path", s.storagePath, "error", err)
			st = map[string]any{"available": false}
		}
		data["storage"] = st
	}
	if want("host") {
		data["host"] = s.host()
	}
	if len(data) == 0 {
		return domain.Fail(fmt.Sprintf("unknown sensor %q", kind)), nil
	}
	return domain.OK(data), nil
}

// battery reports the first power supply of type Battery. Hosts without one
// report present=false.
func (s *Sensor) battery() map[string]any {
	entries, err := os.ReadDir(s.powerSupplyDir)
	if err != nil {
		return map[string]any{"present": false}
	}
	for _, e := range entries {
		dir := filepath.Join(s.powerSupplyDir, e.Name())
		if readSysfs(dir, "type") != "Battery" {
			continue
		}
		out := map[string]any{"present": true, "name": e.Name()}
		if pct, err := strconv.Atoi(readSysfs(dir, "capacity")); err == nil {
			out["percent"] = pct
		}
		status := readSysfs(dir, "status")
		if status != "" {
			out["status"] = strings.ToLower(status)
		}
		out["charging"] = status == "Charging" || status == "Full"
		// temp is in tenths of a degree Celsius
		if t, err := strconv.Atoi(readSysfs(dir, "temp")); err == nil {
			out["temperature"] = float64(t) / 10
		}
		return out
	}
	return map[string]any{"present": false}
}

func readSysfs(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// memory describes the node process, not the whole host.
func memory() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"heapAllocMB": m.HeapAlloc / (1 << 20),
		"sysMB":       m.Sys / (1 << 20),
		"goroutines":  runtime.NumGoroutine(),
		"numGC":       m.NumGC,
	}
}

func (s *Sensor) host() map[string]any {
	name, _ := os.Hostname()
	return map[string]any{
		"hostname":      name,
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
		"cpus":          runtime.NumCPU(),
		"goVersion":     runtime.Version(),
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
}
