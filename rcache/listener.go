package rcache

// Listener receives lifecycle events of a resource request.
//
// For every request a listener gets zero or more OnProgress calls with strictly increasing
// downloaded values, exactly one terminal event (OnSuccess, OnNotFound, OnFail, OnStop or OnCancel)
// and then exactly one OnEnd.
type Listener interface {
	// OnStart is informational, it is called once before the first byte is requested.
	OnStart(chunkCount int)
	// OnProgress reports the number of downloaded bytes. Total is equal to downloaded when
	// the size of the resource is unknown.
	OnProgress(chunkIndex int, downloaded, total int64)
	// OnSuccess passes the path of the cached file.
	OnSuccess(path string)
	OnNotFound()
	OnFail(err error)
	// OnStop passes the path of a partially downloaded file. The file is not a part of the cache
	// anymore, the listener is responsible for its removal. The path is empty if the download
	// was stopped before the response was received.
	OnStop(path string)
	OnCancel()
	// OnEnd is always called last.
	OnEnd()
}

// BaseListener implements [Listener] with no-op methods. It can be embedded to implement
// only the needed methods.
type BaseListener struct{}

var _ Listener = BaseListener{}

func (BaseListener) OnStart(int)                  {}
func (BaseListener) OnProgress(int, int64, int64) {}
func (BaseListener) OnSuccess(string)             {}
func (BaseListener) OnNotFound()                  {}
func (BaseListener) OnFail(error)                 {}
func (BaseListener) OnStop(string)                {}
func (BaseListener) OnCancel()                    {}
func (BaseListener) OnEnd()                       {}

// ListenerFuncs adapts optional functions to [Listener]. Nil functions are ignored.
type ListenerFuncs struct {
	Start    func(chunkCount int)
	Progress func(chunkIndex int, downloaded, total int64)
	Success  func(path string)
	NotFound func()
	Fail     func(err error)
	Stop     func(path string)
	Cancel   func()
	End      func()
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnStart(chunkCount int) {
	if f.Start != nil {
		f.Start(chunkCount)
	}
}

func (f ListenerFuncs) OnProgress(chunkIndex int, downloaded, total int64) {
	if f.Progress != nil {
		f.Progress(chunkIndex, downloaded, total)
	}
}

func (f ListenerFuncs) OnSuccess(path string) {
	if f.Success != nil {
		f.Success(path)
	}
}

func (f ListenerFuncs) OnNotFound() {
	if f.NotFound != nil {
		f.NotFound()
	}
}

func (f ListenerFuncs) OnFail(err error) {
	if f.Fail != nil {
		f.Fail(err)
	}
}

func (f ListenerFuncs) OnStop(path string) {
	if f.Stop != nil {
		f.Stop(path)
	}
}

func (f ListenerFuncs) OnCancel() {
	if f.Cancel != nil {
		f.Cancel()
	}
}

func (f ListenerFuncs) OnEnd() {
	if f.End != nil {
		f.End()
	}
}
