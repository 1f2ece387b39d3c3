// Package greedy 提供一个逐帧取最优的替身解码器，让 CLI 不依赖外部搜索库也能端到端运行。
package greedy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/John-Robertt/latgen/internal/decoder"
	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/graph"
)

const Name = "greedy"

// 每隔多少帧检查一次 ctx。
const cancelCheckEvery = 64

var errNoFrames = errors.New("没有可解码的帧")

// Decoder 对每一帧取 scale*score 最大的列作为标签，合并连续重复，去掉 blank，
// 再经图的符号表映射为输出符号。
//
// 无状态，可并发使用。
type Decoder struct{}

func New() Decoder { return Decoder{} }

func (Decoder) Name() string { return Name }

func (d Decoder) Decode(ctx context.Context, g *graph.Graph, item *domain.WorkItem) (domain.Path, error) {
	if g == nil || item == nil {
		return domain.Path{}, d.fail(decoder.StageInput, errors.New("图或输入为空"))
	}
	m := item.Feats
	if err := m.Validate(); err != nil {
		return domain.Path{}, d.fail(decoder.StageInput, err)
	}
	if m.Rows == 0 {
		return domain.Path{}, d.fail(decoder.StageInput, errNoFrames)
	}
	scale := float64(item.Scale)
	if scale == 0 {
		scale = 1
	}

	labels := make([]int, 0, m.Rows)
	var cost float64
	prev := -1
	for r := 0; r < m.Rows; r++ {
		if r%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return domain.Path{}, d.fail(decoder.StageSearch, err)
			}
		}

		best, bestScore := -1, math.Inf(-1)
		for c, v := range m.Row(r) {
			s := scale * float64(v)
			if math.IsNaN(s) {
				return domain.Path{}, d.fail(decoder.StageSearch, fmt.Errorf("第 %d 帧第 %d 列打分为 NaN", r, c))
			}
			if best < 0 || s > bestScore {
				best, bestScore = c, s
			}
		}
		if math.IsInf(bestScore, -1) {
			return domain.Path{}, d.fail(decoder.StageBestPath, fmt.Errorf("第 %d 帧没有可达的标签", r))
		}
		cost -= bestScore

		if best != prev && best != g.Blank() {
			labels = append(labels, best)
		}
		prev = best
	}

	symbols := make([]string, len(labels))
	for i, l := range labels {
		s, ok := g.Symbol(l)
		if !ok {
			return domain.Path{}, d.fail(decoder.StageSymbol, fmt.Errorf("label %d not in symbol table", l))
		}
		symbols[i] = s
	}
	return domain.Path{Symbols: symbols, Labels: labels, Weight: cost}, nil
}

func (d Decoder) fail(stage string, err error) error {
	return &decoder.Error{Decoder: Name, Stage: stage, Err: err}
}
