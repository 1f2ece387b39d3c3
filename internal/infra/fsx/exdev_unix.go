//go:build unix

package fsx

import (
	"errors"
	"os"
	"syscall"
)

// isEXDEV 识别跨文件系统的 rename。临时文件与目标同目录，正常不会出现；
// 出现时（目标是跨设备的 bind mount 等）Commit 会报告 CrossDeviceError 并删除临时文件。
func isEXDEV(err error) bool {
	var le *os.LinkError
	if errors.As(err, &le) {
		err = le.Err
	}
	return errors.Is(err, syscall.EXDEV)
}
