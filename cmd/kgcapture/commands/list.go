package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List top-level windows",
	Long: `List every titled top-level window in enumeration order.

Target titles are matched as case-sensitive substrings of these titles, and
the first match in this order wins.`,
	Example: `  # List windows in table format (default)
  kgcapture list

  # List windows in JSON format
  kgcapture list --format json`,
	RunE: runList,
}

var locateCmd = &cobra.Command{
	Use:   "locate TITLE",
	Short: "Find the window a title substring resolves to",
	Long: `Resolve TITLE the same way the render loop does and print the window
and its current client size.`,
	Example: `  # Check the lyric window is visible
  kgcapture locate CLyricRenderWnd`,
	Args: cobra.ExactArgs(1),
	RunE: runLocate,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(locateCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	locateCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

func openLocator() (*window.Locator, func(), error) {
	configMgr, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	backend, err := window.NewDefaultBackend()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize window backend: %w", err)
	}
	return window.NewLocator(backend, locateBackoff(configMgr.Get())), func() { backend.Close() }, nil
}

func runList(cmd *cobra.Command, args []string) error {
	locator, done, err := openLocator()
	if err != nil {
		return err
	}
	defer done()

	windows, err := locator.List()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(windows)
	case "table":
		return printWindowsTable(locator, windows)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func printWindowsTable(locator *window.Locator, windows []*window.Handle) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tSIZE\tCLASS\tTITLE")
	fmt.Fprintln(w, "--\t----\t-----\t-----")

	for _, h := range windows {
		size := "-"
		if s, err := locator.ClientSize(h); err == nil {
			size = s.String()
		}
		fmt.Fprintf(w, "%#x\t%s\t%s\t%s\n", h.ID, size, h.Class, h.Title)
	}
	fmt.Fprintf(w, "\n%s windows\n", humanize.Comma(int64(len(windows))))
	return nil
}

func runLocate(cmd *cobra.Command, args []string) error {
	locator, done, err := openLocator()
	if err != nil {
		return err
	}
	defer done()

	h, err := locator.Locate(args[0])
	if err != nil {
		return err
	}
	size, err := locator.ClientSize(h)
	if err != nil {
		return err
	}

	if listFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			*window.Handle
			Width  int `json:"width"`
			Height int `json:"height"`
		}{h, size.Width, size.Height})
	}

	fmt.Printf("Title:   %s\n", h.Title)
	fmt.Printf("Class:   %s\n", h.Class)
	fmt.Printf("ID:      %#x (%s)\n", h.ID, h.Backend)
	if h.PID > 0 {
		fmt.Printf("PID:     %d\n", h.PID)
	}
	fmt.Printf("Size:    %s (%s per frame)\n", size, humanize.Bytes(uint64(size.Bytes())))
	return nil
}
