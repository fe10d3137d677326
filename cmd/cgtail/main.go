// Command cgtail follows the event stream of one or more executions and
// renders the events in the terminal.
//
// Usage:
//
//	cgtail [-addr ws://localhost:4021/ws] <executionId> [<executionId>...]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/streamsvc"
)

var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	execStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	skipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	debugStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	plainStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "ws://localhost:4021/ws", "event stream endpoint")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: cgtail [-addr ws://...] <executionId> [<executionId>...]")
		os.Exit(2)
	}

	ws, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer ws.Close()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupted
		_ = ws.Close()
		os.Exit(130)
	}()

	for _, id := range flag.Args() {
		if err := ws.WriteJSON(&streamsvc.Frame{Type: streamsvc.FrameSubscribe, ExecutionID: id}); err != nil {
			fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", id, err)
			os.Exit(1)
		}
	}

	// Keep the server's idle deadline at bay.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := ws.WriteJSON(&streamsvc.Frame{Type: streamsvc.FramePing}); err != nil {
				return
			}
		}
	}()

	for {
		var f streamsvc.Frame
		if err := ws.ReadJSON(&f); err != nil {
			fmt.Fprintf(os.Stderr, "stream closed: %v\n", err)
			os.Exit(1)
		}
		switch f.Type {
		case streamsvc.FrameConnected:
			fmt.Println(timeStyle.Render("connected as " + f.ClientID))
		case streamsvc.FrameSubscribed:
			fmt.Println(timeStyle.Render("subscribed to " + f.ExecutionID))
		case streamsvc.FrameEvent:
			printEvent(f.ExecutionID, f.Event)
		case streamsvc.FrameError:
			fmt.Fprintln(os.Stderr, failStyle.Render("error: "+f.Error))
		}
	}
}

func printEvent(executionID string, ev *execution.Event) {
	if ev == nil {
		return
	}
	var style lipgloss.Style
	switch ev.Type {
	case execution.FlowCompleted, execution.NodeCompleted, execution.EdgeTransferCompleted:
		style = okStyle
	case execution.FlowFailed, execution.NodeFailed, execution.EdgeTransferFailed:
		style = failStyle
	case execution.FlowCancelled, execution.NodeSkipped:
		style = skipStyle
	case execution.NodeDebugLogString, execution.DebugBreakpointHit:
		style = debugStyle
	default:
		style = plainStyle
	}

	detail := ""
	if len(ev.Data) > 0 {
		if raw, err := json.Marshal(ev.Data); err == nil {
			detail = " " + string(raw)
		}
	}
	fmt.Printf("%s %s %s%s\n",
		timeStyle.Render(ev.Timestamp.Format("15:04:05.000")),
		execStyle.Render(fmt.Sprintf("%s#%d", executionID, ev.Index)),
		style.Render(string(ev.Type)),
		timeStyle.Render(detail),
	)
}
