package gopool

import (
	"context"

	"github.com/Senhnn/GoroutinePool"
)

// Go 把阻塞或耗时的用户逻辑丢到协程池执行，
// 事件循环里的回调不允许阻塞
func Go(f func()) {
	GoroutinePool.Go(f)
}

func CtxGo(ctx context.Context, f func()) {
	GoroutinePool.CtxGo(ctx, f)
}
