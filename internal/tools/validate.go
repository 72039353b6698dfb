package tools

import (
	"fmt"

	xerrors "AgentHive-Chain/internal/errors"
)

// ValidateArguments 按 JSON Schema 的子集校验工具参数：
// 必填字段存在、字段类型匹配、不允许 schema 之外的字段。
// 校验失败返回 INVALID_ARGUMENTS 错误码。
func ValidateArguments(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	properties, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]any); ok {
		for _, entry := range required {
			name, ok := entry.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				return xerrors.New(xerrors.CodeInvalidArguments,
					fmt.Sprintf("缺少必填参数 %s", name))
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return xerrors.New(xerrors.CodeInvalidArguments,
					fmt.Sprintf("缺少必填参数 %s", name))
			}
		}
	}

	for name, value := range args {
		spec, ok := properties[name].(map[string]any)
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArguments,
				fmt.Sprintf("未声明的参数 %s", name))
		}
		declared, _ := spec["type"].(string)
		if declared == "" {
			continue
		}
		if !typeMatches(declared, value) {
			return xerrors.New(xerrors.CodeInvalidArguments,
				fmt.Sprintf("参数 %s 类型不匹配，期望 %s", name, declared))
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
