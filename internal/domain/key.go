package domain

import (
	"regexp"
	"strings"
)

// Key 是 utterance 的标识（例如 spk01-utt0003）。
//
// 约束：非空、不含空白；输出/报告里用它定位条目，重复 key 不做拦截（顺序以 Index 为准）。
type Key string

var keyRE = regexp.MustCompile(`^[^\s]{1,256}$`)

// ParseKey 校验 key。输入首尾空白会被去掉，中间含空白则失败。
func ParseKey(s string) (Key, bool) {
	s = strings.TrimSpace(s)
	if !keyRE.MatchString(s) {
		return "", false
	}
	return Key(s), true
}
