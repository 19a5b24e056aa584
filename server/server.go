package server

import "context"

// Server 可统一管理生命周期的服务器.
type Server interface {
	// Start 阻塞运行，直到上下文取消或启动失败.
	Start(ctx context.Context) error
	// Stop 优雅停止并释放资源.
	Stop(ctx context.Context) error
}

var _ Server = (*GinServer)(nil)
