package commands

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voltgrid/voltstream"
	"github.com/voltgrid/voltstream/internal/logging"
	"github.com/voltgrid/voltstream/sinks/logsink"
	"github.com/voltgrid/voltstream/sinks/memory"
)

// NewDemoCommand runs simulated meters through an in-process engine
func NewDemoCommand() *cobra.Command {
	var (
		meters   int
		duration time.Duration
		window   time.Duration
	)
	command := &cobra.Command{
		Use:   "demo",
		Short: "Simulate smart meters and print windowed consumption",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("demo")
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()
			return runDemo(ctx, cmd, logger, meters, window)
		},
	}
	command.Flags().IntVar(&meters, "meters", 3, "number of simulated meters")
	command.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to run")
	command.Flags().DurationVar(&window, "window", 5*time.Second, "tumbling window length")
	return command
}

func demoSchema() voltstream.Schema {
	zero := 0.0
	return voltstream.Schema{
		ID:   "energy-reading-v1",
		Name: "Energy reading",
		Fields: map[string]voltstream.FieldDef{
			"meter":       {Type: voltstream.FieldString, Required: true},
			"consumption": {Type: voltstream.FieldNumber, Required: true, Min: &zero},
			"voltage":     {Type: voltstream.FieldNumber},
		},
	}
}

func runDemo(ctx context.Context, cmd *cobra.Command, logger *zap.SugaredLogger, meters int, window time.Duration) error {
	results := memory.New()
	alerts := logsink.New(logger.Named("alerts"))
	sinks := results.Registry()
	sinks.Alert = alerts

	cfg := voltstream.DefaultConfig()
	cfg.Schemas = []voltstream.Schema{demoSchema()}
	cfg.Streams = []voltstream.StreamSpec{
		{ID: "ENERGY_EVENTS", Name: "Energy events", Type: "telemetry", SchemaID: "energy-reading-v1", GroupingKeys: []string{"meter"}},
		{ID: "ENERGY_SUMMARY", Name: "Windowed consumption", Type: "aggregate"},
	}
	cfg.Rules = []voltstream.RuleSpec{
		{
			ID:      "consumption-by-meter",
			Source:  "ENERGY_EVENTS",
			Window:  voltstream.WindowSpec{Type: voltstream.WindowTumbling, Duration: window},
			GroupBy: []string{"meter"},
			Filter:  voltstream.Where(voltstream.TypeIs("consumption")),
			Calculations: []voltstream.Calculation{
				{Field: "consumption", Function: voltstream.FuncSum},
				{Field: "consumption", Function: voltstream.FuncAverage},
				{Field: "consumption", Function: voltstream.FuncMax},
			},
			Output: voltstream.SinkSpec{Kind: voltstream.SinkStream, Target: "ENERGY_SUMMARY"},
		},
		{
			ID:     "overload",
			Source: "ENERGY_EVENTS",
			Window: voltstream.WindowSpec{Type: voltstream.WindowSliding, Size: 5, Duration: window},
			Calculations: []voltstream.Calculation{
				{Field: "consumption", Function: voltstream.FuncPercentile, Param: 95, Alias: "p95"},
			},
			Output: voltstream.SinkSpec{
				Kind:      voltstream.SinkAlert,
				Target:    "alerts.overload",
				Threshold: &voltstream.Threshold{Alias: "p95", Op: voltstream.OpGreaterThan, Value: 4.5},
			},
		},
	}

	engine, err := voltstream.New(cfg, voltstream.WithLogger(logger.Named("engine")), voltstream.WithSinks(sinks))
	if err != nil {
		return err
	}

	if _, err := engine.Subscribe("ENERGY_SUMMARY", nil, func(_ context.Context, e voltstream.Event) error {
		fmt.Fprintf(cmd.OutOrStdout(), "%s meter=%v sum=%.2f avg=%.2f max=%.2f records=%v\n",
			e.Timestamp().Format(time.TimeOnly), e.Field("meter"),
			e.Field("sum_consumption"), e.Field("average_consumption"), e.Field("max_consumption"),
			e.Field("recordCount"))
		return nil
	}); err != nil {
		return err
	}
	if err := engine.CreateProjection(voltstream.ProjectionSpec{
		ID:       "readings-by-type",
		StreamID: "ENERGY_EVENTS",
		Reducer:  voltstream.CountByTypeReducer,
	}); err != nil {
		return err
	}

	sources := make([]voltstream.Source, 0, meters)
	for i := 0; i < meters; i++ {
		meter := fmt.Sprintf("meter-%02d", i+1)
		rng := rand.New(rand.NewSource(int64(i + 1)))
		src := voltstream.NewGeneratorSource("ENERGY_EVENTS", func(time.Time) map[string]interface{} {
			return map[string]interface{}{
				"meter":       meter,
				"consumption": 0.5 + rng.Float64()*4.5,
				"voltage":     228 + rng.Float64()*4,
			}
		}, time.Second).WithEventType("consumption").WithLogger(logger.Named(meter))
		if err := src.Start(ctx, engine); err != nil {
			return err
		}
		sources = append(sources, src)
	}

	if err := engine.Run(ctx); err != nil {
		return err
	}
	for _, src := range sources {
		_ = src.Stop()
	}

	st := engine.Stats()
	snap, _ := engine.Projection("readings-by-type")
	fmt.Fprintf(cmd.OutOrStdout(), "events=%d processed=%d aggregations=%d errors=%d readings=%v\n",
		st.TotalEvents, st.Processed, st.RuleStats["consumption-by-meter"].Aggregations, st.ProcessingErrors, snap.State["consumption"])
	return nil
}
