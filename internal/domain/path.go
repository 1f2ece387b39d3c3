package domain

import "strings"

// Path 是一条输入的解码结果（最优路径上的输出符号序列）。
type Path struct {
	// Symbols 是输出符号（已去掉 epsilon/blank），可能为空。
	Symbols []string
	// Labels 是与 Symbols 一一对应的标签编号。
	Labels []int
	// Weight 是路径代价（越小越好）。
	Weight float64
}

// Line 返回空格分隔的符号串（不带换行、无尾随空格）。
func (p Path) Line() string {
	return strings.Join(p.Symbols, " ")
}
