package loadtest

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/config"
	"github.com/torosent/barrage/internal/grpcclient"
	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/h2mux"
)

// NewGun builds the named gun from cfg. Scenario guns resolve each scenario
// to another named gun.
func NewGun(name string, cfg *config.Config, logger *slog.Logger) (gun.Gun, error) {
	b := gunBuilder{cfg: cfg, logger: logger}
	return b.build(name)
}

// gunBuilder builds guns and remembers every one that reports client
// metrics, including guns nested in scenario guns.
type gunBuilder struct {
	cfg       *config.Config
	logger    *slog.Logger
	reporters map[string]clientmetrics.Reporter
}

func (b *gunBuilder) build(name string) (gun.Gun, error) {
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	gc, ok := b.cfg.Guns[name]
	if !ok {
		return nil, &config.ConfigurationError{Component: "gun", Name: name, Err: fmt.Errorf("not defined")}
	}
	g, err := b.buildGun(name, gc, b.logger.With("gun", name))
	if err != nil {
		return nil, &config.ConfigurationError{Component: "gun", Name: name, Err: err}
	}
	return g, nil
}

func (b *gunBuilder) buildGun(name string, gc config.GunConfig, logger *slog.Logger) (gun.Gun, error) {
	g, err := newGun(name, gc, b, logger)
	if err != nil {
		return nil, err
	}
	if r, ok := g.(clientmetrics.Reporter); ok && b.reporters != nil {
		key := name
		for i := 2; b.reporters[key] != nil; i++ {
			key = fmt.Sprintf("%s#%d", name, i)
		}
		b.reporters[key] = r
	}
	return g, nil
}

func newGun(name string, gc config.GunConfig, b *gunBuilder, logger *slog.Logger) (gun.Gun, error) {
	httpCfg := gun.HTTPConfig{
		Target:   gc.Target,
		Method:   gc.Method,
		Headers:  gc.HTTPHeaders(),
		Timeout:  gc.Timeout,
		Insecure: gc.Insecure,
	}

	switch gc.Type {
	case config.GunHTTP:
		return gun.NewHTTP(httpCfg)
	case config.GunMulti:
		return gun.NewMulti(gun.MultiConfig{HTTPConfig: httpCfg, H2C: gc.H2C})
	case config.GunH2Mux:
		return h2mux.New(h2mux.Config{
			Target:         gc.Target,
			Headers:        gc.HTTPHeaders(),
			Timeout:        gc.Timeout,
			ConnectTimeout: gc.ConnectTimeout,
			Insecure:       gc.Insecure,
			PoolSize:       gc.PoolSize,
			PollInterval:   gc.PollInterval,
			WriteTimeout:   gc.WriteTimeout,
			Logger:         logger,
		})
	case config.GunSQL:
		return gun.NewSQL(gun.SQLConfig{
			Driver:   gc.Driver,
			DSN:      gc.DSN,
			MaxConns: gc.MaxConns,
			Timeout:  gc.Timeout,
		})
	case config.GunWebSocket:
		return gun.NewWebSocket(gun.WebSocketConfig{
			URL:        gc.Target,
			Headers:    gc.HTTPHeaders(),
			Timeout:    gc.Timeout,
			AwaitReply: gc.AwaitReply,
			PoolSize:   gc.PoolSize,
			Binary:     gc.Binary,
		})
	case config.GunGRPC:
		return gun.NewGRPC(gun.GRPCConfig{
			Config: grpcclient.Config{
				Target:    gc.Target,
				ProtoFile: gc.ProtoFile,
				Service:   gc.Service,
				Method:    gc.RPC,
				Metadata:  gc.Metadata,
				UseTLS:    gc.TLS,
				Insecure:  gc.Insecure,
			},
			Timeout: gc.Timeout,
			Message: gc.Message,
		})
	case config.GunScenario:
		registry := gun.NewRegistry(logger)
		scenarios := make([]string, 0, len(gc.Scenarios))
		for s := range gc.Scenarios {
			scenarios = append(scenarios, s)
		}
		sort.Strings(scenarios)
		for _, scenario := range scenarios {
			target := gc.Scenarios[scenario]
			inner, ok := b.cfg.Guns[target]
			if !ok {
				return nil, fmt.Errorf("scenario %s: gun %q not defined", scenario, target)
			}
			if inner.Type == config.GunScenario {
				return nil, fmt.Errorf("scenario %s: gun %q is itself a scenario gun", scenario, target)
			}
			g, err := b.buildGun(target, inner, logger.With("scenario", scenario))
			if err != nil {
				return nil, fmt.Errorf("scenario %s: %w", scenario, err)
			}
			if err := registry.Register(gun.Delegate(scenario, g)); err != nil {
				return nil, err
			}
		}
		return registry, nil
	default:
		return nil, fmt.Errorf("unknown gun type %q for %s", gc.Type, name)
	}
}

// NewAmmo opens the named ammo source. An empty name yields an endless
// source of empty payloads, which HTTP guns send to their target as is.
func NewAmmo(name string, cfg *config.Config) (ammo.Source, error) {
	if name == "" {
		return ammo.NewLoopingSlice(0, ammo.Missile{}), nil
	}
	ac, ok := cfg.Ammo[name]
	if !ok {
		return nil, &config.ConfigurationError{Component: "ammo", Name: name, Err: fmt.Errorf("not defined")}
	}
	src, err := openAmmo(ac)
	if err != nil {
		return nil, &config.ConfigurationError{Component: "ammo", Name: name, Err: err}
	}
	return src, nil
}

func openAmmo(ac config.AmmoConfig) (ammo.Source, error) {
	var (
		src ammo.Source
		err error
	)
	switch ac.Type {
	case config.AmmoLine:
		src, err = ammo.NewLineSource(ac.File, ac.Marker, ac.Loop)
	case config.AmmoCSV:
		src, err = ammo.NewCSVSource(ac.File, ac.Marker, ac.MarkerColumn, ac.Loop)
	case config.AmmoJSONL:
		src, err = ammo.NewJSONLineSource(ac.File, ac.Marker, ac.MarkerPath, ac.PayloadPath, ac.Loop)
	case config.AmmoInline:
		items := make([]ammo.Missile, len(ac.Items))
		for i, item := range ac.Items {
			items[i] = ammo.Missile{Marker: ac.Marker, Payload: item}
		}
		src = ammo.NewLoopingSlice(ac.Loop, items...)
	default:
		return nil, fmt.Errorf("unknown ammo type %q", ac.Type)
	}
	if err != nil {
		return nil, err
	}
	if ac.Batch > 1 {
		batch, err := ammo.NewBatch(src, ac.Batch)
		if err != nil {
			src.Close()
			return nil, err
		}
		return batch, nil
	}
	return src, nil
}
