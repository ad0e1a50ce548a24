// Command relaytop is a terminal dashboard for a running relay. It polls
// the /snapshot endpoint on the relay's metrics listener.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aeolun/reverb/pkg/monitor"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "http://localhost:9090", "Base URL of the relay's metrics listener")
	interval := flag.Duration("interval", 2*time.Second, "Polling interval")
	flag.Parse()

	if *interval < 100*time.Millisecond {
		fmt.Fprintln(os.Stderr, "relaytop: interval must be at least 100ms")
		os.Exit(2)
	}

	model := monitor.NewModel(monitor.NewHTTPSource(*addr), *interval)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relaytop: %v\n", err)
		os.Exit(1)
	}
}
