package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orbita/internal/app"
	"orbita/internal/config"
	"orbita/internal/db"
	"orbita/internal/domain"
	"orbita/internal/engine"
	"orbita/internal/engine/auth"
	"orbita/internal/migrate"
	"orbita/internal/server"
	"orbita/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "orbita",
	Short: "ORBITA mission engine",
	Long: `ORBITA ingests satellite telemetry, classifies anomalies and selects recovery actions.
- Missions: registered satellites (LEO, MEO, GEO) with an altitude and start time.
- Sessions: live per-mission state fed by telemetry; stopped by operator override.
- Decisions: one per anomalous sample, deterministic and kept in the workspace database.
- Forecasts: battery projections from orbit geometry and the latest sample.
Workspace state lives in .orbita/orbita.db; tune thresholds in orbita.yml (orbita config init).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORBITA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier recorded in the audit log")
	rootCmd.PersistentFlags().String("log-mode", "prod", "log mode (dev or prod)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
}

func analyzeCmd() *cobra.Command {
	var req struct {
		battery, thermal, roll, pitch, yaw, latency float64
		unstable                                    bool
	}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify one telemetry sample without a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sample := domain.TelemetrySample{
				BatteryLevel:  req.battery,
				ThermalState:  req.thermal,
				Orientation:   domain.Orientation{Roll: req.roll, Pitch: req.pitch, Yaw: req.yaw},
				SignalLatency: req.latency,
				IsStable:      !req.unstable,
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Analyze(sample)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Decision)
				}
				printDecisions([]domain.Decision{res.Decision})
				fmt.Println(res.Decision.Explanation)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&req.battery, "battery", 85, "battery level (0-100)")
	cmd.Flags().Float64Var(&req.thermal, "thermal", 20, "thermal state in °C")
	cmd.Flags().Float64Var(&req.roll, "roll", 0, "orientation roll in degrees")
	cmd.Flags().Float64Var(&req.pitch, "pitch", 0, "orientation pitch in degrees")
	cmd.Flags().Float64Var(&req.yaw, "yaw", 0, "orientation yaw in degrees")
	cmd.Flags().Float64Var(&req.latency, "latency", 50, "signal latency in ms")
	cmd.Flags().BoolVar(&req.unstable, "unstable", false, "mark the platform unstable")
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionControlCmd("stop", "Stop a mission (operator override)", engine.Engine.Stop))
	m.AddCommand(missionControlCmd("start", "Reactivate a stopped mission", engine.Engine.Start))
	m.AddCommand(missionAuditCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Engine.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printMissions([]engine.MissionView{view})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "mission name")
	cmd.Flags().StringVar(&opts.SatelliteType, "satellite-type", "LEO", "LEO, MEO or GEO")
	cmd.Flags().Float64Var(&opts.AltitudeKm, "altitude", 0, "orbit altitude in km (profile default when 0)")
	cmd.Flags().Float64Var(&opts.InclinationDeg, "inclination", 0, "orbit inclination in degrees")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListMissions(ctx)
				if err != nil {
					return err
				}
				return printMissions(items)
			})
		},
	}
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Engine.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
}

func missionControlCmd(use, short string, op func(engine.Engine, context.Context, string) (session.Snapshot, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				snap, err := op(rt.Engine, ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("mission %s: active=%t status=%s decisions=%d\n", snap.MissionID, snap.Active, snap.Status, snap.TotalDecisions)
				return nil
			})
		},
	}
}

func missionAuditCmd() *cobra.Command {
	var evtType string
	var n int
	cmd := &cobra.Command{
		Use:   "audit [mission-id]",
		Short: "Show lifecycle events, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			missionID := ""
			if len(args) == 1 {
				missionID = args[0]
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.AuditEvents(ctx, missionID, evtType, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Mission", "Actor", "Payload"})
				for _, e := range items {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.MissionID, e.ActorID, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func forecastCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "forecast <mission-id>",
		Short: "Project a mission's battery level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				series, err := rt.Engine.Forecast(ctx, args[0], hours)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(series)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Battery", "Phase"})
				for i, ts := range series.Timestamps {
					tw.AppendRow(table.Row{ts.Format(time.RFC3339), fmt.Sprintf("%.1f", series.BatteryLevels[i]), series.Phases[i]})
				}
				tw.AppendFooter(table.Row{"min", fmt.Sprintf("%.1f", series.MinBattery), fmt.Sprintf("survival %.0f%%", series.SurvivalProbability*100)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 0, "horizon in hours (config default when 0)")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <mission-id>",
		Short: "Summarize a mission's decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.Report(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("%s (%s) status=%s active=%t telemetry=%d anomalies=%d avg confidence=%.2f\n",
					rep.MissionName, rep.Satellite, rep.Status, rep.Active, rep.TelemetryCount, rep.TotalAnomalies, rep.AverageConfidence)
				printDecisions(rep.Decisions)
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	var (
		name            string
		perms, missions []string
		listMission     string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				if err := requirePersistence(rt); err != nil {
					return err
				}
				key, raw, err := rt.Engine.Auth.CreateKey(ctx, viper.GetString("actor-id"), auth.KeyOptions{
					Name:        name,
					Permissions: perms,
					MissionIDs:  missions,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":          key.ID,
						"actor_id":    key.ActorID,
						"permissions": key.Permissions,
						"mission_ids": key.MissionIDs,
						"key":         raw,
					})
				}
				fmt.Printf("API key %s for %s (shown once): %s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringSliceVar(&perms, "permission", nil, "granted permission, repeatable (default all)")
	create.Flags().StringSliceVar(&missions, "mission", nil, "restrict the key to a mission, repeatable (default all)")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				if err := requirePersistence(rt); err != nil {
					return err
				}
				items, err := rt.Engine.Auth.ListKeys(ctx, "", listMission)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Missions", "Created", "Last used"})
				for _, key := range items {
					scope := "all"
					if len(key.MissionIDs) > 0 {
						scope = strings.Join(key.MissionIDs, ",")
					}
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, strings.Join(key.Permissions, ","), scope, key.CreatedAt, key.LastUsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listMission, "mission", "", "only keys that can reach this mission")
	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				if err := requirePersistence(rt); err != nil {
					return err
				}
				return rt.Engine.Auth.DeleteKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	k.AddCommand(create, list, del)
	return k
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token signed with ORBITA_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{"mission.control", "telemetry.write"}, "permissions to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is orbita.yml in the workspace: classifier thresholds, telemetry envelope, forecast model, session limits and persistence.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default orbita.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate orbita.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	c.AddCommand(initCmd, show, validate)
	return c
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.OpenDB(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", v)
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"path": db.Path(workspace), "version": current, "latest": latest},
				fmt.Sprintf("%s: schema version %d (latest %d)", db.Path(workspace), current, latest))
		},
	}
	d.AddCommand(migrateCmd, status)
	return d
}

// --- helpers ---

// withRuntime runs fn against a started engine and drains pending writes
// before returning. ephemeral skips the database.
func withRuntime(ctx context.Context, ephemeral bool, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Bootstrap(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogMode:   viper.GetString("log-mode"),
		Ephemeral: ephemeral,
	})
	if err != nil {
		return err
	}
	rt.Start(ctx)
	runErr := fn(ctx, rt)
	closeErr := rt.Close()
	return errors.Join(runErr, closeErr)
}

func requirePersistence(rt *app.Runtime) error {
	if !rt.Engine.Persistent() {
		return errors.New("persistence is disabled in orbita.yml")
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printMissions(items []engine.MissionView) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Type", "Altitude km", "Status", "Active", "Live"})
	for _, m := range items {
		tw.AppendRow(table.Row{m.ID, m.Name, m.SatelliteType, fmt.Sprintf("%.0f", m.AltitudeKm), m.Status, m.Active, m.Session != nil})
	}
	tw.Render()
	return nil
}

func printDecisions(items []domain.Decision) {
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Time", "Anomaly", "Severity", "Action", "Confidence", "Autonomy"})
	for _, d := range items {
		tw.AppendRow(table.Row{d.ID, d.Timestamp.Format(time.RFC3339), d.AnomalyType, d.Severity, d.SelectedAction, fmt.Sprintf("%.2f", d.Confidence), d.AutonomyMode()})
	}
	tw.Render()
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
