// Package tui 显示计数与导出进度：终端下用 bubbletea 绘制进度条，否则输出日志行。
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/xingkaixin/dicom-miner/internal/progress"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3C3C3C"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F25D94"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

const barWidth = 40

// Interactive 报告 f 是否为终端。
func Interactive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type eventMsg progress.Event

type closedMsg struct{}

// Model 是进度视图。Total 为 0 时只显示累计数。
type Model struct {
	title  string
	total  int
	count  int
	done   bool
	err    error
	events <-chan progress.Event
	cancel context.CancelFunc
	// 用户按下 ctrl+c 后等待引擎发来终止事件
	stopping bool
}

// NewModel 创建读取 events 的视图。cancel 在用户中断时调用，可以为 nil。
func NewModel(title string, total int, events <-chan progress.Event, cancel context.CancelFunc) Model {
	return Model{title: title, total: total, events: events, cancel: cancel}
}

func listen(ch <-chan progress.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return listen(m.events)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel == nil {
				return m, tea.Quit
			}
			if !m.stopping {
				m.stopping = true
				m.cancel()
			}
		}
		return m, nil
	case eventMsg:
		ev := progress.Event(msg)
		if ev.Count > m.count {
			m.count = ev.Count
		}
		if ev.Terminal() {
			m.done = true
			m.err = ev.Err
			return m, tea.Quit
		}
		return m, listen(m.events)
	case closedMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	if m.total > 0 {
		b.WriteString(renderBar(m.count, m.total))
		fmt.Fprintf(&b, " %d / %d 个文件\n", m.count, m.total)
	} else {
		fmt.Fprintf(&b, "已处理 %d 个文件\n", m.count)
	}
	switch {
	case m.err != nil:
		b.WriteString(errStyle.Render("失败: "+m.err.Error()) + "\n")
	case m.done:
		b.WriteString("完成\n")
	case m.stopping:
		b.WriteString(helpStyle.Render("正在停止…") + "\n")
	default:
		b.WriteString(helpStyle.Render("ctrl+c 中止") + "\n")
	}
	return b.String()
}

// Count 返回目前显示的累计数。
func (m Model) Count() int { return m.count }

// Err 返回终止事件携带的错误。
func (m Model) Err() error { return m.err }

func renderBar(n, total int) string {
	filled := barWidth
	if n < total {
		filled = n * barWidth / total
	}
	return barStyle.Render(strings.Repeat("█", filled)) + emptyStyle.Render(strings.Repeat("░", barWidth-filled))
}

// Run 在终端中显示进度直到收到终止事件，返回最终模型。
func Run(m Model) (Model, error) {
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return m, err
	}
	return final.(Model), nil
}

// Log 把进度写成日志行，每增长 step 个文件输出一次，直到收到终止事件。返回终止事件。
func Log(logger zerolog.Logger, title string, total int, events <-chan progress.Event, step int) progress.Event {
	if step <= 0 {
		step = 1
	}
	var last progress.Event
	next := step
	for ev := range events {
		last = ev
		if ev.Terminal() {
			break
		}
		if ev.Count < next {
			continue
		}
		next = (ev.Count/step + 1) * step
		l := logger.Info().Str("task", title).Int("count", ev.Count)
		if total > 0 {
			l = l.Int("total", total)
		}
		l.Msg("进度")
	}
	return last
}
