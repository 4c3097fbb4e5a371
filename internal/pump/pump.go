// Package pump drives one HTTP exchange to completion: build the request,
// stream the request body from its source in fixed-size chunks, obtain the
// response, and drain the response body into a caller-supplied sink.
//
// Completion is reported exactly once, whether the exchange finishes,
// fails, or is canceled, and the resources behind an exchange are released
// at most once no matter how many paths race to release them.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultBufferSize is the chunk size used to copy request and response bodies.
const DefaultBufferSize = 64 * 1024

// ErrAborted is reported by an operation that was canceled before it finished.
var ErrAborted = errors.New("operation aborted")

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes the exchange to perform.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is streamed to the service when non-nil.
	Body io.Reader
	// ContentLength is sent when positive.
	ContentLength int64
	// CloseBody closes Body, if it is an io.Closer, once the operation is done.
	CloseBody bool
}

// Result is the outcome of an operation.
type Result struct {
	StatusCode   int
	Status       string
	Header       http.Header
	BytesWritten int64
	BytesRead    int64
	Err          error
}

// Option configures an operation.
type Option func(*Operation)

// WithBufferSize sets the copy chunk size.
func WithBufferSize(n int) Option {
	return func(o *Operation) {
		if n > 0 {
			o.bufSize = n
		}
	}
}

// WithCompletion registers a callback invoked exactly once with the result.
// A panic raised by the callback is re-raised from Wait.
func WithCompletion(fn func(*Result)) Option {
	return func(o *Operation) { o.onComplete = fn }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *Operation) {
		if l != nil {
			o.logger = l
		}
	}
}

// Operation is one in-flight exchange.
type Operation struct {
	doer       Doer
	req        *Request
	sink       io.Writer
	bufSize    int
	onComplete func(*Result)
	logger     *slog.Logger

	cancel context.CancelFunc

	aborted   atomic.Bool
	completed atomic.Bool
	written   atomic.Int64
	read      atomic.Int64

	// Handles released by teardown.
	pipe atomic.Pointer[io.PipeReader]
	resp atomic.Pointer[http.Response]

	releaseOnce sync.Once
	done        chan struct{}
	result      *Result
	panicVal    any
}

// Start begins the exchange in its own goroutine. The response body is
// copied into sink, which may be nil to discard it.
func Start(ctx context.Context, doer Doer, req *Request, sink io.Writer, opts ...Option) *Operation {
	o := &Operation{
		doer:    doer,
		req:     req,
		sink:    sink,
		bufSize: DefaultBufferSize,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = io.Discard
	}

	ctx, o.cancel = context.WithCancel(ctx)
	go o.run(ctx)
	return o
}

// Done is closed once the operation has completed.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation completes and returns its result. If the
// completion callback panicked, Wait panics with the same value.
func (o *Operation) Wait() (*Result, error) {
	<-o.done
	if o.panicVal != nil {
		panic(o.panicVal)
	}
	return o.result, o.result.Err
}

// Cancel aborts the operation. It is safe to call at any time, including
// after completion, and from any goroutine.
func (o *Operation) Cancel() {
	if o.aborted.Swap(true) {
		return
	}
	o.cancel()
}

// Aborted reports whether Cancel was called.
func (o *Operation) Aborted() bool {
	return o.aborted.Load()
}

// BytesWritten returns the number of request body bytes written so far.
func (o *Operation) BytesWritten() int64 { return o.written.Load() }

// BytesRead returns the number of response body bytes read so far.
func (o *Operation) BytesRead() int64 { return o.read.Load() }

// Release closes the request pipe, the response body and, when the request
// owns it, the body source. Only the first call does anything.
func (o *Operation) Release() {
	o.releaseOnce.Do(func() {
		if pr := o.pipe.Load(); pr != nil {
			pr.CloseWithError(ErrAborted)
		}
		if resp := o.resp.Load(); resp != nil {
			resp.Body.Close()
		}
		if o.req.CloseBody {
			if c, ok := o.req.Body.(io.Closer); ok {
				c.Close()
			}
		}
		o.cancel()
	})
}

func (o *Operation) run(ctx context.Context) {
	res := &Result{}
	defer func() {
		res.BytesWritten = o.written.Load()
		res.BytesRead = o.read.Load()
		if o.aborted.Load() && res.Err == nil {
			res.Err = ErrAborted
		}
		o.complete(res)
	}()

	if err := o.exchange(ctx, res); err != nil {
		if o.aborted.Load() {
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		}
		res.Err = err
	}
}

func (o *Operation) exchange(ctx context.Context, res *Result) error {
	if o.aborted.Load() {
		return ErrAborted
	}

	httpReq, err := http.NewRequestWithContext(ctx, o.req.Method, o.req.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range o.req.Header {
		httpReq.Header[k] = v
	}

	g := new(errgroup.Group)
	if o.req.Body != nil {
		pr, pw := io.Pipe()
		o.pipe.Store(pr)
		httpReq.Body = pr
		if o.req.ContentLength > 0 {
			httpReq.ContentLength = o.req.ContentLength
		} else {
			httpReq.ContentLength = -1
		}
		g.Go(func() error {
			err := o.writeBody(pw)
			pw.CloseWithError(err)
			return err
		})
	}

	resp, err := o.doer.Do(httpReq)
	if err != nil {
		// The writer stops on its own once the pipe is closed.
		if pr := o.pipe.Load(); pr != nil {
			pr.CloseWithError(err)
		}
		return fmt.Errorf("execute request: %w", err)
	}
	o.resp.Store(resp)

	res.StatusCode = resp.StatusCode
	res.Status = resp.Status
	res.Header = resp.Header

	if err := o.drain(resp.Body); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := o.waitWriter(g); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("write request body: %w", err)
	}

	o.logger.Debug("exchange complete",
		"method", o.req.Method,
		"url", o.req.URL,
		"status", resp.StatusCode,
		"bytes_written", o.written.Load(),
		"bytes_read", o.read.Load(),
	)
	return nil
}

// waitWriter waits for the body writer unless the operation was aborted, in
// which case the writer may be stuck in a source read that only teardown
// can unblock.
func (o *Operation) waitWriter(g *errgroup.Group) error {
	if o.aborted.Load() {
		return ErrAborted
	}
	return g.Wait()
}

// writeBody copies the request body source into the pipe one chunk at a time.
func (o *Operation) writeBody(w io.Writer) error {
	buf := make([]byte, o.bufSize)
	for {
		if o.aborted.Load() {
			return ErrAborted
		}
		n, rerr := o.req.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			o.written.Add(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read request source: %w", rerr)
		}
	}
}

// drain copies the response body into the sink one chunk at a time.
func (o *Operation) drain(body io.Reader) error {
	buf := make([]byte, o.bufSize)
	for {
		if o.aborted.Load() {
			return ErrAborted
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := o.sink.Write(buf[:n]); err != nil {
				return fmt.Errorf("write response sink: %w", err)
			}
			o.read.Add(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// complete finalizes the operation once. Bookkeeping is done before the
// callback runs and the done channel is closed even if the callback panics.
func (o *Operation) complete(res *Result) {
	if !o.completed.CompareAndSwap(false, true) {
		return
	}
	o.result = res
	o.Release()

	defer close(o.done)
	if o.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.panicVal = r
		}
	}()
	o.onComplete(res)
}
