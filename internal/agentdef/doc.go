// Package agentdef 管理智能体的静态定义目录。
// 定义从 YAML 文件一次性加载，运行期间保持不可变，
// 其中的工具列表即该智能体的工具白名单。
package agentdef
