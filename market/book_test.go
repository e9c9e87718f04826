package market

import (
	"testing"
	"time"
)

func testBook() *Book {
	return &Book{
		Bids: []Level{
			{Price: 99900, Qty: 1.5},
			{Price: 99850, Qty: 2.0},
			{Price: 99800, Qty: 0.5},
			{Price: 99700, Qty: 3.0},
		},
		Asks: []Level{
			{Price: 100100, Qty: 1.0},
			{Price: 100150, Qty: 2.5},
			{Price: 100200, Qty: 0.7},
			{Price: 100300, Qty: 4.0},
		},
		ObservedAt: time.Unix(1700000000, 0),
	}
}

func TestBookBestAndMid(t *testing.T) {
	b := testBook()
	if got := b.BestBid(); got != 99900 {
		t.Fatalf("best bid = %v", got)
	}
	if got := b.BestAsk(); got != 100100 {
		t.Fatalf("best ask = %v", got)
	}
	if got := b.Mid(); got != 100000 {
		t.Fatalf("mid = %v", got)
	}
}

func TestDepthAboveBelow(t *testing.T) {
	b := testBook()
	// 买盘中价格 >= 99800 的挂量
	if got := b.DepthAbove(99800); got != 4.0 {
		t.Fatalf("depth above 99800 = %v, want 4.0", got)
	}
	// 卖盘中价格 <= 100200 的挂量
	if got := b.DepthBelow(100200); got != 4.2 {
		t.Fatalf("depth below 100200 = %v, want 4.2", got)
	}
	if got := b.DepthAbove(100000); got != 0.0 {
		t.Fatalf("depth above mid = %v, want 0", got)
	}
}

func TestEmptyBook(t *testing.T) {
	var b *Book
	if b.Mid() != 0 || b.BestBid() != 0 || b.BestAsk() != 0 {
		t.Fatal("nil book should report zeros")
	}
	if b.Age(time.Now()) < time.Hour {
		t.Fatal("nil book should look infinitely stale")
	}
}

func TestStoreOverwrites(t *testing.T) {
	s := NewStore()
	if s.Book() != nil || s.Position() != nil {
		t.Fatal("fresh store should be empty")
	}
	b1, b2 := testBook(), testBook()
	b2.Bids[0].Price = 99950
	s.SetBook(b1)
	s.SetBook(b2)
	if got := s.Book().BestBid(); got != 99950 {
		t.Fatalf("expected latest book, best bid %v", got)
	}
	s.SetPosition(&Position{Qty: -0.01, EntryPrice: 100200})
	p := s.Position()
	if p.Flat() || p.CloseSide() != "buy" || p.AbsQty() != 0.01 {
		t.Fatalf("position view wrong: %+v", p)
	}
}
