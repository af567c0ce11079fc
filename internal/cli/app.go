package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"context-lab/internal/db"
	"context-lab/internal/model"
	"context-lab/internal/progress"
	"context-lab/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// bootstrap 打开数据库并组装服务；cleanup 等待后台 run 退出后再关闭连接
func bootstrap(baseCtx context.Context) (*service.ServiceContext, func(), error) {
	gdb, err := db.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	svc := service.NewServiceContext(baseCtx, cfg, gdb, logger)

	cleanup := func() {
		svc.Runs.Wait()
		if sqlDB, err := gdb.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logger.Warn("close database", zap.Error(err))
			}
		}
	}
	return svc, cleanup, nil
}

// experimentFlags run 和 batch 共用的实验参数
type experimentFlags struct {
	experimentType string
	athleteID      uint
	persona        string
	promptVersion  string
	entryOrder     string
	needleFact     string
	maxEntries     int
	temperature    float64
	jsonOutput     bool
}

func (f *experimentFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.experimentType, "type", "t", "", "experiment type: position | persona | compression")
	cmd.Flags().UintVarP(&f.athleteID, "athlete", "a", 0, "athlete id whose journal is used")
	cmd.Flags().StringVar(&f.persona, "persona", "", "coach persona (default from config)")
	cmd.Flags().StringVar(&f.promptVersion, "prompt-version", "", "system prompt version (default from config)")
	cmd.Flags().StringVar(&f.entryOrder, "order", "", "entry order: chronological | reverse")
	cmd.Flags().StringVar(&f.needleFact, "needle", "", "needle fact for position runs")
	cmd.Flags().IntVar(&f.maxEntries, "max-entries", 0, "keep only the most recent N entries (0 = all)")
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "sampling temperature (default from config)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "print events and results as JSON lines")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("athlete")
}

func (f *experimentFlags) config(cmd *cobra.Command) service.RunConfig {
	rc := service.RunConfig{
		ExperimentType: model.ExperimentType(f.experimentType),
		AthleteID:      f.athleteID,
		Persona:        f.persona,
		PromptVersion:  f.promptVersion,
		EntryOrder:     f.entryOrder,
		NeedleFact:     f.needleFact,
		MaxEntries:     f.maxEntries,
	}
	if cmd.Flags().Changed("temperature") {
		t := f.temperature
		rc.Temperature = &t
	}
	return rc
}

// printEvents 把进度事件打印到终端，直到通道关闭
func printEvents(w io.Writer, ch *progress.Channel, asJSON bool) {
	if ch == nil {
		return
	}
	for ev := range ch.Subscribe(context.Background()) {
		if asJSON {
			raw, _ := json.Marshal(ev)
			fmt.Fprintln(w, string(raw))
			continue
		}
		fmt.Fprintf(w, "%s  %-17s %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.Message)
	}
}
