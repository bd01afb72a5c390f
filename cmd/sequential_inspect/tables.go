package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/sequential/pkg/ml/fusion"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/gomlx/sequential/pkg/ml/pipeline"
	"github.com/gomlx/sequential/pkg/support/xslices"
	"github.com/janpfeifer/must"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func summaryTable(p *pipeline.ComputePipeline) *lgtable.Table {
	env := p.Environment()
	table := newPlainTable(false)
	table.Row("backend", p.Backend().Description())
	table.Row("fp8", fmt.Sprintf("%v", env.FP8Enabled))
	table.Row("world size", fmt.Sprintf("%d (group %s)", env.WorldSize, env.Group.Name()))
	table.Row("input", p.InputShape().String())
	table.Row("output", p.OutputShape().String())
	table.Row("# operations", humanize.Comma(int64(len(p.Ops()))))
	table.Row("# inference items", humanize.Comma(int64(len(p.InferenceOps()))))
	table.Row("# units", humanize.Comma(int64(len(p.Units()))))
	table.Row("# parameters", humanize.Comma(int64(p.NumParameters())))
	table.Row("# bytes", humanize.Bytes(uint64(p.Memory())))
	return table
}

func opsTable(p *pipeline.ComputePipeline) *lgtable.Table {
	table := newPlainTable(true)
	table.Headers("#", "Name", "Kind", "Parallelism", "Types", "Input", "Output", "Fused (inference)")
	inferenceRule := make(map[ops.Op]string)
	for _, item := range p.InferenceOps() {
		if fused, ok := item.(*fusion.FusedOp); ok {
			for _, member := range fused.Members() {
				inferenceRule[member] = fused.Rule()
			}
		}
	}
	for i, op := range p.Ops() {
		table.Row(
			fmt.Sprintf("%d", i), op.Name(), op.Kind(), op.Parallelism().String(),
			fmt.Sprintf("%s -> %s", op.InputType(), op.OutputType()),
			op.InputShape().String(), op.OutputShape().String(),
			inferenceRule[op])
	}
	return table
}

// itemNames lists the names of the items, with the members of fused items between brackets.
func itemNames(items []ops.Op) string {
	return strings.Join(xslices.Map(items, func(item ops.Op) string {
		if fused, ok := item.(*fusion.FusedOp); ok {
			return fmt.Sprintf("%s[%s]", fused.Rule(),
				strings.Join(xslices.Map(fused.Members(), func(m ops.Op) string { return m.Name() }), ", "))
		}
		return item.Name()
	}), ", ")
}

func unitsTable(p *pipeline.ComputePipeline) *lgtable.Table {
	table := newPlainTable(true)
	table.Headers("Unit", "Forward", "Backward", "Parameters")
	for i, unit := range p.Units() {
		var size int
		for _, param := range unit.RequiresGrad() {
			size += param.Shape().Size()
		}
		table.Row(fmt.Sprintf("%d", i), itemNames(unit.Forward), itemNames(unit.Backward), humanize.Comma(int64(size)))
	}
	return table
}

func tensorsTable(p *pipeline.ComputePipeline) *lgtable.Table {
	table := newPlainTable(true)
	table.Headers("Operation", "Tensor", "Shape", "Bytes", "Initialized")
	for _, op := range p.Ops() {
		descriptors := must.M1(ops.DescribeAll(op))
		for _, name := range xslices.SortedKeys(descriptors) {
			d := descriptors[name]
			table.Row(op.Name(), name, d.Shape.String(), humanize.Bytes(uint64(d.Shape.Memory())), fmt.Sprintf("%v", d.Init != nil))
		}
	}
	return table
}
