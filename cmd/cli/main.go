package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/adminclient"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
)

// sizes cycles with left/right; the empty entry keeps the buyer's size.
var sizes = []string{"", "XS", "S", "M", "L", "XL", "2XL"}

type model struct {
	client   *adminclient.Client
	cases    []domain.ReconciliationCase
	gap      []string
	selected int
	size     int
	status   string
	busy     bool
}

func initialModel(c *adminclient.Client) model {
	return model{client: c, status: "Loading..."}
}

func (m model) Init() tea.Cmd {
	return refreshCmd(m.client)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.cases)-1 {
				m.selected++
			}
		case "left":
			if m.size > 0 {
				m.size--
			}
		case "right":
			if m.size < len(sizes)-1 {
				m.size++
			}
		case "r":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Refreshing..."
			return m, refreshCmd(m.client)
		case "enter":
			if m.busy || len(m.cases) == 0 {
				return m, nil
			}
			m.busy = true
			c := m.cases[m.selected]
			m.status = fmt.Sprintf("Retrying case %s...", c.ID)
			return m, retryCmd(m.client, c.ID, sizes[m.size])
		}
	case refreshResult:
		m.busy = false
		if msg.err != nil {
			m.status = fmt.Sprintf("Refresh failed: %v", msg.err)
			return m, nil
		}
		m.cases = msg.rec.Cases
		m.gap = msg.rec.SoldWithoutOrder
		if m.selected >= len(m.cases) {
			m.selected = max(len(m.cases)-1, 0)
		}
		m.status = fmt.Sprintf("%d open case(s)", len(m.cases))
	case retryResult:
		if msg.err != nil {
			m.busy = false
			m.status = fmt.Sprintf("Retry failed: %v", msg.err)
			return m, nil
		}
		m.status = fmt.Sprintf("Order %s recorded for session %s", msg.order.ID, msg.order.SessionID)
		return m, refreshCmd(m.client)
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "onedropthreads reconciliation console")
	fmt.Fprintln(b, "")
	if len(m.cases) == 0 {
		fmt.Fprintln(b, "  no open cases")
	}
	for i, c := range m.cases {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		claimed := ""
		if c.Claimed {
			claimed = " [claimed]"
		}
		fmt.Fprintf(b, " %s %s item=%s size=%s %s%s\n", marker, c.SessionID, c.ItemID, c.Event.Size, c.Reason, claimed)
	}
	if len(m.cases) > 0 {
		c := m.cases[m.selected]
		fmt.Fprintln(b, "")
		fmt.Fprintf(b, "Case %s opened %s\n", c.ID, c.CreatedAt.Local().Format(time.DateTime))
		if c.ProviderOrderID != nil {
			fmt.Fprintf(b, "Partner order: %s\n", *c.ProviderOrderID)
		}
		fmt.Fprintf(b, "Error: %s\n", c.Error)
	}
	fmt.Fprintln(b, "")
	if len(m.gap) > 0 {
		fmt.Fprintf(b, "Sold without order: %s\n", strings.Join(m.gap, ", "))
	}
	size := sizes[m.size]
	if size == "" {
		size = "(buyer's choice)"
	}
	fmt.Fprintf(b, "Size override: %s\n", size)
	fmt.Fprintf(b, "Status: %s\n", m.status)
	fmt.Fprintln(b, "\nControls: up/down select case, left/right size override, enter to retry, r to refresh, q to quit")
	return b.String()
}

type refreshResult struct {
	rec adminclient.Reconciliation
	err error
}

type retryResult struct {
	order domain.Order
	err   error
}

func refreshCmd(c *adminclient.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rec, err := c.Reconciliation(ctx)
		return refreshResult{rec: rec, err: err}
	}
}

func retryCmd(c *adminclient.Client, caseID, size string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		order, err := c.Retry(ctx, caseID, size)
		return retryResult{order: order, err: err}
	}
}

func main() {
	runCmd := flag.String("run", "", "run without the console: list|retry|orders")
	caseID := flag.String("case", "", "case id for -run retry")
	size := flag.String("size", "", "size override for -run retry")
	flag.Parse()

	client := adminclient.New(getenv("SHOP_BASE_URL", "http://localhost:8080"), getenv("ADMIN_API_KEY", ""))

	if *runCmd != "" {
		if err := runOnce(client, *runCmd, *caseID, *size); err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		return
	}

	p := tea.NewProgram(initialModel(client))
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func runOnce(client *adminclient.Client, cmd, caseID, size string) error {
	switch cmd {
	case "list":
		res := refreshCmd(client)().(refreshResult)
		if res.err != nil {
			return res.err
		}
		for _, c := range res.rec.Cases {
			fmt.Printf("%s\t%s\t%s\t%s\t%s\n", c.ID, c.SessionID, c.ItemID, c.Reason, c.Error)
		}
		if len(res.rec.SoldWithoutOrder) > 0 {
			fmt.Println("sold without order:", strings.Join(res.rec.SoldWithoutOrder, ", "))
		}
	case "retry":
		if caseID == "" {
			return fmt.Errorf("-case is required")
		}
		res := retryCmd(client, caseID, size)().(retryResult)
		if res.err != nil {
			return res.err
		}
		fmt.Printf("order %s recorded for session %s\n", res.order.ID, res.order.SessionID)
	case "orders":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orders, err := client.Orders(ctx)
		if err != nil {
			return err
		}
		for _, o := range orders {
			provider := "-"
			if o.ProviderOrderID != nil {
				provider = *o.ProviderOrderID
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%s\n", o.ID, o.ItemID, o.Size, o.Status, provider)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
