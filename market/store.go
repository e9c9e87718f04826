package market

import "sync/atomic"

// Store 保存最新一帧盘口与仓位。
//
// 单写单读：行情/仓位协程整帧覆盖写入，控制循环只读最新值，
// 不排队、不反压，旧帧直接被覆盖；读到旧数据由上层的时效性门控兜底。
type Store struct {
	book     atomic.Pointer[Book]
	position atomic.Pointer[Position]
}

func NewStore() *Store { return &Store{} }

// SetBook 覆盖最新盘口。
func (s *Store) SetBook(b *Book) { s.book.Store(b) }

// Book 返回最新盘口，可能为 nil（尚未收到行情）。
func (s *Store) Book() *Book { return s.book.Load() }

// SetPosition 覆盖最新仓位。
func (s *Store) SetPosition(p *Position) { s.position.Store(p) }

// Position 返回最新仓位，可能为 nil。
func (s *Store) Position() *Position { return s.position.Load() }
