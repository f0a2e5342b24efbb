package mesh

import "fmt"

// 版本信息，构建时通过 -ldflags "-X" 覆盖
var (
	// Version 版本号
	Version = "v0.1.0-dev"

	// GitCommit 构建提交
	GitCommit = "unknown"

	// BuildDate 构建日期
	BuildDate = "unknown"
)

// VersionInfo 返回单行版本描述
func VersionInfo() string {
	return fmt.Sprintf("go-mesh %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
