package exceptions

import (
	"context"
	"fmt"
	"time"

	"taskrunner/internal/storage"
	logx "taskrunner/pkg/logx"
)

// StoreHandler persists reports.
type StoreHandler struct {
	Store storage.Store
	Log   logx.Logger
}

func (h StoreHandler) Handle(ctx context.Context, r Report) {
	if h.Store == nil {
		return
	}
	e := storage.Exception{
		At:         r.At,
		Stage:      r.Stage,
		ScheduleID: r.ScheduleID,
		Error:      r.Message(),
		Stack:      r.Stack,
	}
	if r.Panic != nil {
		e.Panic = fmt.Sprint(r.Panic)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := h.Store.AppendException(wctx, e); err != nil {
		h.Log.OrNop().Debug("exceptions.store_failed", logx.Err(err))
	}
}
