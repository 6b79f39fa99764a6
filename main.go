package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xingkaixin/dicom-miner/internal/attr"
	"github.com/xingkaixin/dicom-miner/internal/dcmread"
	"github.com/xingkaixin/dicom-miner/internal/export"
	"github.com/xingkaixin/dicom-miner/internal/metrics"
	"github.com/xingkaixin/dicom-miner/internal/progress"
	"github.com/xingkaixin/dicom-miner/internal/row"
	"github.com/xingkaixin/dicom-miner/internal/stats"
	"github.com/xingkaixin/dicom-miner/internal/template"
	"github.com/xingkaixin/dicom-miner/internal/tui"
	"github.com/xingkaixin/dicom-miner/internal/walk"
)

// 非终端输出时每处理这么多文件记一行进度
const logStep = 1000

var logCloser io.Closer

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:           "dicom-miner",
		Short:         "批量提取 DICOM 文件的元数据并导出为 CSV",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-file") {
				cfg.LogFile = opts.logFile
			}
			config = cfg

			closer, err := setupLogging(config.LogFile, opts.verbose, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("无法创建日志文件: %w", err)
			}
			logCloser = closer
			fileLogger.Debug().Str("command", cmd.CommandPath()).Interface("config", config).Msg("配置加载成功")
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigFile, "配置文件路径")
	cmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "日志文件路径，空字符串表示不写日志文件")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "在日志文件中记录调试信息")

	cmd.AddCommand(newExportCmd(), newCountCmd(), newResolveCmd(), newTemplateCmd())
	return cmd
}

// --- 列解析 ---

// resolveColumn 先按文件属性标签匹配，再按 DICOM 标签或字典名称解析。
func resolveColumn(in string) (attr.Spec, error) {
	if s, err := attr.ResolveFilesystem(in); err == nil {
		return s, nil
	}
	return attr.Resolve(in, attr.DefaultDictionary())
}

func resolveColumns(inputs []string) ([]attr.Spec, error) {
	specs := make([]attr.Spec, 0, len(inputs))
	for _, in := range inputs {
		s, err := resolveColumn(in)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// columnsFromConfig 使用模板文件，或配置中的 DICOMTags 与 FileAttributes。
func columnsFromConfig(cfg Config) ([]attr.Spec, error) {
	if cfg.Template != "" {
		return template.Load(cfg.Template, attr.DefaultDictionary())
	}
	specs := make([]attr.Spec, 0, len(cfg.DICOMTags)+len(cfg.FileAttributes))
	for _, in := range cfg.DICOMTags {
		s, err := attr.Resolve(in, attr.DefaultDictionary())
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	for _, in := range cfg.FileAttributes {
		s, err := attr.ResolveFilesystem(in)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func rootDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if config.AnalyseFolder != "" {
		return config.AnalyseFolder, nil
	}
	return "", errors.New("未指定分析目录")
}

func walkOptions() walk.Options {
	return walk.Options{
		Archives:        config.Archives,
		ExcludeDirNames: config.ExcludeDirs,
		Logger:          fileLogger,
	}
}

// follow 显示进度直到收到终止事件，返回最终计数与错误。
// cancel 在终端中按下 ctrl+c 时调用。
func follow(cmd *cobra.Command, title string, total int, events <-chan progress.Event, cancel context.CancelFunc) (int, error) {
	if cmd.OutOrStdout() == os.Stdout && tui.Interactive(os.Stdout) {
		m, err := tui.Run(tui.NewModel(title, total, events, cancel))
		if err == nil {
			return m.Count(), m.Err()
		}
		fileLogger.Warn().Err(err).Msg("无法启动进度界面，改为输出日志")
	}
	last := tui.Log(consoleLogger, title, total, events, logStep)
	return last.Count, last.Err
}

// --- export ---

type exportOptions struct {
	output    string
	template  string
	encoding  string
	columns   []string
	exclude   []string
	workers   int
	archives  bool
	stats     bool
	overwrite bool
	noCount   bool
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export [目录]",
		Short: "导出目录下所有 DICOM 文件的指定属性",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyExportFlags(cmd, &opts)
			root, err := rootDir(args)
			if err != nil {
				return err
			}
			var specs []attr.Spec
			if len(opts.columns) > 0 {
				specs, err = resolveColumns(opts.columns)
			} else {
				specs, err = columnsFromConfig(config)
			}
			if err != nil {
				return err
			}
			return runExport(cmd, root, specs, opts.noCount)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "输出 CSV 文件")
	f.StringVarP(&opts.template, "template", "t", "", "模板文件（.json 或 .toml）")
	f.StringVar(&opts.encoding, "encoding", "", "输出编码，如 utf-8、gb18030")
	f.StringArrayVarP(&opts.columns, "column", "c", nil, "输出列：DICOM 标签 (gggg,eeee)、字典名称或文件属性，可重复")
	f.StringArrayVar(&opts.exclude, "exclude", nil, "跳过的目录名，可重复")
	f.IntVarP(&opts.workers, "workers", "w", 0, "并行解析的协程数")
	f.BoolVar(&opts.archives, "archives", false, "读取 zip/rar/iso 中的文件")
	f.BoolVar(&opts.stats, "stats", false, "追加像素最大值、最小值、平均值列")
	f.BoolVar(&opts.overwrite, "overwrite", false, "覆盖已存在的输出文件")
	f.BoolVar(&opts.noCount, "no-count", false, "不预先统计文件数")
	return cmd
}

// applyExportFlags 用显式给出的命令行参数覆盖配置。
func applyExportFlags(cmd *cobra.Command, opts *exportOptions) {
	f := cmd.Flags()
	if f.Changed("output") {
		config.OutputFile = opts.output
	}
	if f.Changed("template") {
		config.Template = opts.template
	}
	if f.Changed("encoding") {
		config.Encoding = opts.encoding
	}
	if f.Changed("exclude") {
		config.ExcludeDirs = opts.exclude
	}
	if f.Changed("workers") && opts.workers > 0 {
		config.Workers = opts.workers
	}
	if f.Changed("archives") {
		config.Archives = opts.archives
	}
	if f.Changed("stats") {
		config.Stats = opts.stats
	}
	if f.Changed("overwrite") {
		config.Overwrite = opts.overwrite
	}
}

func runExport(cmd *cobra.Command, root string, specs []attr.Spec, noCount bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := metrics.New()
	if config.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, config.MetricsAddr); err != nil {
				consoleLogger.Warn().Err(err).Str("addr", config.MetricsAddr).Msg("指标服务启动失败")
			}
		}()
	}

	wopts := walkOptions()
	total := 0
	if !noCount {
		n, err := walk.Count(ctx, root, wopts, nil)
		if err != nil {
			return fmt.Errorf("无法统计文件: %w", err)
		}
		total = n
		m.Counted(n)
	}

	var providers []row.Provider
	if config.Stats {
		providers = append(providers, stats.MinMaxMean{})
	}
	reader := &dcmread.Reader{WithPixelData: config.Stats, Logger: fileLogger}
	eng := export.New(reader, fileLogger, m)

	run, err := eng.Start(ctx, export.Request{
		Root:      root,
		Output:    config.OutputFile,
		Specs:     specs,
		Providers: providers,
		Workers:   config.Workers,
		Overwrite: config.Overwrite,
		Encoding:  config.Encoding,
		Walk:      wopts,
	})
	if err != nil {
		return err
	}
	consoleLogger.Info().Str("root", root).Str("output", config.OutputFile).Int("files", total).Msg("开始导出")
	follow(cmd, "导出 "+root, total, run.Events(), cancel)

	sum, err := run.Wait()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "已写出 %s：%d 行，共处理 %d 个文件，用时 %s\n", sum.Output, sum.Rows, sum.Attempted, sum.Duration.Round(time.Millisecond))
	for _, reason := range []string{"not_dicom", "io", "other"} {
		if n := sum.Skipped[reason]; n > 0 {
			fmt.Fprintf(out, "  跳过 %s: %d\n", reason, n)
		}
	}
	return nil
}

// --- count ---

func newCountCmd() *cobra.Command {
	var archives bool
	cmd := &cobra.Command{
		Use:   "count [目录]",
		Short: "统计目录下的文件数",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("archives") {
				config.Archives = archives
			}
			root, err := rootDir(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			r := progress.NewReporter(16)
			go func() {
				n, err := walk.Count(ctx, root, walkOptions(), r.Progress)
				if err != nil {
					r.Fail(n, err)
					return
				}
				r.Done(n)
			}()
			n, err := follow(cmd, "统计 "+root, 0, r.Events(), cancel)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&archives, "archives", false, "把压缩包中的文件计入")
	return cmd
}

// --- resolve ---

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve 属性...",
		Short: "检查属性输入能否解析，并显示对应的标签",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			dict := attr.DefaultDictionary()
			for _, in := range args {
				s, err := resolveColumn(in)
				if err != nil {
					return err
				}
				switch s := s.(type) {
				case attr.FilesystemAttribute:
					fmt.Fprintf(out, "%s\t文件属性\n", in)
				case attr.StructuredField:
					name, ok := dict.Name(s.Tag)
					if !ok {
						name = "未知标签"
					}
					fmt.Fprintf(out, "%s\t%s\t%s\n", in, s.Tag, name)
				}
			}
			return nil
		},
	}
}

// --- template ---

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "保存或查看导出模板",
	}

	var columns []string
	save := &cobra.Command{
		Use:   "save 文件",
		Short: "把列保存为模板，格式由扩展名决定（.json 或 .toml）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []attr.Spec
			var err error
			if len(columns) > 0 {
				specs, err = resolveColumns(columns)
			} else {
				specs, err = columnsFromConfig(config)
			}
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				return export.ErrNoColumns
			}
			if err := template.Save(args[0], specs); err != nil {
				return err
			}
			fileLogger.Info().Str("path", args[0]).Int("columns", len(specs)).Msg("模板已保存")
			fmt.Fprintf(cmd.OutOrStdout(), "已保存 %d 列到 %s\n", len(specs), args[0])
			return nil
		},
	}
	save.Flags().StringArrayVarP(&columns, "column", "c", nil, "输出列，可重复")

	show := &cobra.Command{
		Use:   "show 文件",
		Short: "显示模板中的列与表头",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := template.Load(args[0], attr.DefaultDictionary())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, s := range specs {
				kind := template.KeyDICOMTags
				if _, ok := s.(attr.FilesystemAttribute); ok {
					kind = template.KeyFileAttributes
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", i+1, kind, s.Label())
			}
			fmt.Fprintln(out, strings.Repeat("-", 20))
			fmt.Fprintln(out, row.HeaderLine(attr.Headers(specs)))
			return nil
		},
	}

	cmd.AddCommand(save, show)
	return cmd
}
