package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/routing"
	"github.com/appetiteclub/kds/services/kitchen/internal/stream"
	"github.com/aquamarinepk/aqm"
)

// Settings is the parsed service configuration. Every value has a default
// so an empty config runs a single node against a local Mongo.
type Settings struct {
	DBDriver string

	JournalPath string

	NATSURL       string
	NATSStream    bool
	RelayBranches []string

	Bus              bus.Config
	ReconcileTimeout time.Duration
	Keepalive        time.Duration

	ServedRetention time.Duration
	PruneInterval   time.Duration

	DefaultStation string
	CatalogFile    string
	RoleRoutes     routing.RoleRoutes
	FastPath       bool

	JWTSecret string
}

func LoadSettings(config *aqm.Config) (Settings, error) {
	s := Settings{
		DBDriver:       strings.ToLower(config.GetStringOrDef("db.driver", "mongo")),
		JournalPath:    config.GetStringOrDef("journal.path", ""),
		NATSURL:        config.GetStringOrDef("nats.url", ""),
		DefaultStation: config.GetStringOrDef("router.default_station", "other"),
		CatalogFile:    config.GetStringOrDef("catalog.file", ""),
		JWTSecret:      config.GetStringOrDef("auth.jwt.secret", ""),
		RelayBranches:  splitList(config.GetStringOrDef("relay.branches", "")),
		Bus:            bus.DefaultConfig(),
	}
	if s.DBDriver != "mongo" && s.DBDriver != "memory" {
		return s, fmt.Errorf("invalid db.driver %q: want mongo or memory", s.DBDriver)
	}

	var err error
	if s.NATSStream, err = parseBool(config, "nats.stream.enabled", false); err != nil {
		return s, err
	}
	if s.FastPath, err = parseBool(config, "workflow.fast_path", false); err != nil {
		return s, err
	}

	events, err := parseInt(config, "bus.retention.events", s.Bus.Retention.Events)
	if err != nil {
		return s, err
	}
	s.Bus.Retention.Events = events
	if s.Bus.Retention.Window, err = parseDuration(config, "bus.retention.window", s.Bus.Retention.Window); err != nil {
		return s, err
	}
	if s.Bus.QueueCapacity, err = parseInt(config, "bus.queue.capacity", s.Bus.QueueCapacity); err != nil {
		return s, err
	}
	if s.ReconcileTimeout, err = parseDuration(config, "reconcile.timeout", 3*time.Second); err != nil {
		return s, err
	}
	if s.Keepalive, err = parseDuration(config, "stream.keepalive", stream.DefaultKeepalive); err != nil {
		return s, err
	}
	if s.ServedRetention, err = parseDuration(config, "cache.served_retention", 30*time.Minute); err != nil {
		return s, err
	}
	if s.PruneInterval, err = parseDuration(config, "cache.prune_interval", time.Minute); err != nil {
		return s, err
	}

	switch routes := config.GetStringOrDef("router.role_routes", "default"); routes {
	case "default":
		s.RoleRoutes = routing.DefaultRoleRoutes()
	case "minimal":
		s.RoleRoutes = routing.MinimalRoleRoutes()
	default:
		return s, fmt.Errorf("invalid router.role_routes %q: want default or minimal", routes)
	}

	return s, nil
}

func parseBool(config *aqm.Config, key string, def bool) (bool, error) {
	raw := config.GetStringOrDef(key, strconv.FormatBool(def))
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func parseInt(config *aqm.Config, key string, def int) (int, error) {
	raw := config.GetStringOrDef(key, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def, fmt.Errorf("invalid %s %q: want a positive integer", key, raw)
	}
	return v, nil
}

func parseDuration(config *aqm.Config, key string, def time.Duration) (time.Duration, error) {
	raw := config.GetStringOrDef(key, def.String())
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
