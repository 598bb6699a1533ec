package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"orbita/internal/config"
	"orbita/internal/domain"
	"orbita/internal/sim"
	orbitasdk "orbita/sdk/go"
)

type simResult struct {
	missionID string
	sent      int
	decisions map[string]int
	injected  map[sim.Kind]int
	applied   map[domain.AnomalyType]int
	status    string
}

func simulateCmd() *cobra.Command {
	var (
		serverURL, satType, apiKey, token, prefix string
		missions, count                           int
		interval                                  time.Duration
		seed                                      uint64
		rate                                      float64
		openLoop                                  bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stream synthetic telemetry to a running server",
		Long:  "Registers missions on a running ORBITA server and feeds each one a drifting telemetry stream with injected thermal, power and orientation faults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			client := orbitasdk.New(serverURL)
			client.APIKey = apiKey
			client.BearerToken = token
			if prefix == "" {
				prefix = "sim-" + uuid.NewString()[:8]
			}

			results := make([]simResult, missions)
			var mu sync.Mutex
			g, ctx := errgroup.WithContext(cmd.Context())
			start := time.Now().UTC()
			for i := 0; i < missions; i++ {
				i := i
				g.Go(func() error {
					id := fmt.Sprintf("%s-%d", prefix, i+1)
					if _, err := client.CreateMission(ctx, orbitasdk.MissionInput{
						ID:            id,
						Name:          fmt.Sprintf("Simulated %s %d", satType, i+1),
						SatelliteType: satType,
					}); err != nil {
						return fmt.Errorf("create %s: %w", id, err)
					}
					gen := sim.New(sim.Options{
						MissionID:   id,
						Profile:     cfg.Profile(satType),
						Start:       start,
						Step:        interval,
						Seed:        seed + uint64(i),
						AnomalyRate: rate,
					})
					res := simResult{missionID: id, decisions: map[string]int{}}
					err := sim.Drive(ctx, gen, count, interval, func(ctx context.Context, s domain.TelemetrySample) error {
						out, err := client.Ingest(ctx, id, wireSample(s))
						if err != nil {
							return fmt.Errorf("ingest %s: %w", id, err)
						}
						res.sent++
						res.status = out.Status
						if out.Decision != nil {
							res.decisions[out.Decision.AnomalyType]++
							if !openLoop {
								gen.Apply(domainDecision(*out.Decision))
							}
						}
						return nil
					})
					res.injected = gen.Injected()
					res.applied = gen.Applied()
					mu.Lock()
					results[i] = res
					mu.Unlock()
					return err
				})
			}
			runErr := g.Wait()
			printSimResults(results)
			return runErr
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8000", "server base URL including any base path")
	cmd.Flags().StringVar(&satType, "satellite-type", "LEO", "LEO, MEO or GEO")
	cmd.Flags().StringVar(&prefix, "prefix", "", "mission id prefix (random when empty)")
	cmd.Flags().IntVar(&missions, "missions", 1, "number of concurrent missions")
	cmd.Flags().IntVar(&count, "count", 100, "samples per mission")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between samples; also the simulated sample spacing")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().Float64Var(&rate, "anomaly-rate", 0, "fault probability per sample (0 uses 5%, negative disables)")
	cmd.Flags().BoolVar(&openLoop, "open-loop", false, "do not play decisions back into the simulated craft")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for control routes")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for control routes")
	return cmd
}

func wireSample(s domain.TelemetrySample) orbitasdk.Telemetry {
	return orbitasdk.Telemetry{
		MissionID:        s.MissionID,
		Timestamp:        s.Timestamp,
		BatteryLevel:     s.BatteryLevel,
		ThermalState:     s.ThermalState,
		OrientationRoll:  s.Orientation.Roll,
		OrientationPitch: s.Orientation.Pitch,
		OrientationYaw:   s.Orientation.Yaw,
		SignalLatency:    s.SignalLatency,
		IsStable:         s.IsStable,
	}
}

func domainDecision(d orbitasdk.Decision) domain.Decision {
	return domain.Decision{
		ID:             d.ID,
		MissionID:      d.MissionID,
		Timestamp:      d.Timestamp,
		AnomalyType:    domain.AnomalyType(d.AnomalyType),
		Severity:       domain.Severity(d.Severity),
		SelectedAction: d.SelectedAction,
		Confidence:     d.Confidence,
		MissionPhase:   d.MissionPhase,
	}
}

func printSimResults(results []simResult) {
	if viper.GetBool("json") {
		out := make([]map[string]any, 0, len(results))
		for _, r := range results {
			if r.missionID == "" {
				continue
			}
			out = append(out, map[string]any{
				"mission_id": r.missionID,
				"sent":       r.sent,
				"status":     r.status,
				"decisions":  r.decisions,
				"injected":   r.injected,
				"corrected":  r.applied,
			})
		}
		_ = printJSON(out)
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Mission", "Sent", "Injected", "Decisions", "Corrected", "Status"})
	for _, r := range results {
		if r.missionID == "" {
			continue
		}
		injected := 0
		for _, v := range r.injected {
			injected += v
		}
		corrected := 0
		for _, v := range r.applied {
			corrected += v
		}
		tw.AppendRow(table.Row{r.missionID, r.sent, injected, formatCounts(r.decisions), corrected, r.status})
	}
	tw.Render()
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", k, m[k])
	}
	return out
}
