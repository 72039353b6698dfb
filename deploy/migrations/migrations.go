package migrations

import "embed"

// Files 包含按版本号命名的全部 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
