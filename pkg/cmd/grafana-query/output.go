package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	colors map[models.LoadingState]*color.Color
	bold   *color.Color
}

func newPrinterFor(w io.Writer, format string, noColor bool) (*printer, error) {
	if format != outputTable && format != outputJSON {
		return nil, fmt.Errorf("unknown output %q, expected %s or %s", format, outputTable, outputJSON)
	}
	p := &printer{
		w:      w,
		format: format,
		colors: map[models.LoadingState]*color.Color{
			models.LoadingStateDone:      color.New(color.FgGreen, color.Bold),
			models.LoadingStateStreaming: color.New(color.FgCyan, color.Bold),
			models.LoadingStateError:     color.New(color.FgRed, color.Bold),
		},
		bold: color.New(color.Bold),
	}
	if noColor {
		for _, c := range p.colors {
			c.DisableColor()
		}
		p.bold.DisableColor()
	}
	return p, nil
}

func (p *printer) print(pd *models.PanelData) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == outputJSON {
		return p.printJSON(pd)
	}
	return p.printTable(pd)
}

type jsonResult struct {
	State        models.LoadingState `json:"state"`
	StructureRev int                 `json:"structureRev"`
	From         time.Time           `json:"from"`
	To           time.Time           `json:"to"`
	Series       data.Frames         `json:"series"`
	Annotations  data.Frames         `json:"annotations,omitempty"`
	Error        string              `json:"error,omitempty"`
}

func (p *printer) printJSON(pd *models.PanelData) error {
	out := jsonResult{
		State:        pd.State,
		StructureRev: pd.StructureRev,
		From:         pd.TimeRange.From,
		To:           pd.TimeRange.To,
		Series:       pd.Series,
		Annotations:  pd.Annotations,
	}
	if out.Series == nil {
		out.Series = data.Frames{}
	}
	if pd.Error != nil {
		out.Error = pd.Error.Error()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(b))
	return err
}

func (p *printer) printTable(pd *models.PanelData) error {
	stateColor, ok := p.colors[pd.State]
	if !ok {
		stateColor = p.bold
	}
	fmt.Fprintf(p.w, "%s %s  %s -> %s  (structure rev %d)\n",
		p.bold.Sprint("State:"), stateColor.Sprint(pd.State),
		pd.TimeRange.From.Format(time.RFC3339), pd.TimeRange.To.Format(time.RFC3339), pd.StructureRev)
	if pd.Error != nil {
		fmt.Fprintf(p.w, "%s %s\n", p.colors[models.LoadingStateError].Sprint("Error:"), pd.Error.Error())
	}

	for _, frame := range pd.Series {
		p.printFrame(frame)
	}
	if len(pd.Annotations) > 0 {
		fmt.Fprintln(p.w, p.bold.Sprint("Annotations"))
		for _, frame := range pd.Annotations {
			p.printFrame(frame)
		}
	}
	return nil
}

func (p *printer) printFrame(frame *data.Frame) {
	fmt.Fprintf(p.w, "\n%s (refId %s, %d rows)\n", p.bold.Sprint(frame.Name), frame.RefID, frame.Rows())

	table := tablewriter.NewWriter(p.w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	header := make([]string, 0, len(frame.Fields))
	for _, f := range frame.Fields {
		header = append(header, fieldHeader(f))
	}
	table.SetHeader(header)

	for row := 0; row < frame.Rows(); row++ {
		cells := make([]string, 0, len(frame.Fields))
		for _, f := range frame.Fields {
			cells = append(cells, formatValue(f, row))
		}
		table.Append(cells)
	}
	table.Render()
}

func fieldHeader(f *data.Field) string {
	if len(f.Labels) == 0 {
		return f.Name
	}
	return f.Name + " " + f.Labels.String()
}

func formatValue(f *data.Field, row int) string {
	v, ok := f.ConcreteAt(row)
	if !ok {
		return "null"
	}
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func printDataSources(w io.Writer, list []plugins.InstanceSettings, defaultUID string, noColor bool) error {
	def := color.New(color.FgGreen)
	if noColor {
		def.DisableColor()
	}

	sort.SliceStable(list, func(i, j int) bool { return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name) })

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"UID", "Name", "Type", "URL", "Default"})
	for _, ds := range list {
		isDefault := ""
		if ds.UID == defaultUID {
			isDefault = def.Sprint("yes")
		}
		table.Append([]string{ds.UID, ds.Name, ds.Type, ds.URL, isDefault})
	}
	table.Render()
	return nil
}
