package server

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"stream-rpc/message"
	"stream-rpc/middleware"
)

// ErrUnknownMethod is the application error text sent for a method no handler
// was registered for.
const ErrUnknownMethod = "unknown method"

// Mux routes requests to handlers by method name. Its ServeRPC method is a
// middleware.HandlerFunc.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]middleware.HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]middleware.HandlerFunc)}
}

// Handle registers h for method, replacing any previous handler.
func (m *Mux) Handle(method string, h middleware.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// Methods lists the registered method names.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	return names
}

func (m *Mux) ServeRPC(ctx context.Context, req *message.Message, respond middleware.Responder) {
	m.mu.RLock()
	h, ok := m.handlers[req.Method]
	m.mu.RUnlock()
	if !ok {
		_ = respond(ErrUnknownMethod+": "+req.Method, nil)
		return
	}
	h(ctx, req, respond)
}

// Register exposes the exported methods of rcvr that look like
//
//	func (t *T) Name(args *Args, reply *Reply) error
//
// as "T.Name". The request payload is bound into a new Args, and the
// filled Reply is sent back as JSON. A returned error is sent as the
// application error.
func (m *Mux) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if len(svc.method) == 0 {
		return errors.Errorf("rpc: type %s has no exported methods of suitable signature", svc.name)
	}
	for name, mt := range svc.method {
		m.Handle(svc.name+"."+name, svc.handler(mt))
	}
	return nil
}

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
func (s *service) registerMethods() {
	// 合法条件：3 个入参 (receiver, *Args, *Reply)，返回 error
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	results := mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func (s *service) handler(mt *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)

		if err := req.Bind(argv.Interface()); err != nil {
			_ = respond("invalid arguments: "+err.Error(), nil)
			return
		}
		if err := s.call(mt, argv, replyv); err != nil {
			_ = respond(err.Error(), nil)
			return
		}
		_ = respond(nil, replyv.Interface())
	}
}
