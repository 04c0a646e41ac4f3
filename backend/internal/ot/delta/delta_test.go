package delta

import (
	"errors"
	"testing"
)

func TestOperation_Validate(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		want error
	}{
		{"insert ok", Insert(0, "a"), nil},
		{"insert empty", Insert(2, ""), ErrEmptyInsert},
		{"delete ok", Delete(3, 1), nil},
		{"delete zero", Delete(3, 0), ErrInvalidLength},
		{"negative", Insert(-1, "x"), ErrNegativeOffset},
		{"unknown", Operation{Kind: KindRetain, Position: 1}, ErrUnknownKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op.Validate()
			if tc.want == nil && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestApply_InOrder(t *testing.T) {
	// replace "world" with "there": delete first, then insert at the same offset
	got, err := Apply("Hello world", []Operation{Delete(6, 5), Insert(6, "there")})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != "Hello there" {
		t.Fatalf("Apply() = %q, want %q", got, "Hello there")
	}
}

func TestApply_Runes(t *testing.T) {
	got, err := Apply("你好世界", []Operation{Delete(2, 2), Insert(2, "朋友")})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != "你好朋友" {
		t.Fatalf("Apply() = %q", got)
	}
}

func TestApply_OutOfRange(t *testing.T) {
	if _, err := Apply("abc", []Operation{Delete(2, 5)}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Apply() error = %v, want ErrOutOfRange", err)
	}
	if _, err := Apply("abc", []Operation{Insert(4, "x")}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Apply() error = %v, want ErrOutOfRange", err)
	}
}

func TestOperation_Delta(t *testing.T) {
	d := Insert(5, "abc").Delta()
	if len(d) != 2 || d[0].Kind != KindRetain || d[0].Count != 5 || d[1].Text != "abc" {
		t.Fatalf("Delta() = %+v", d)
	}
	d = Delete(0, 2).Delta()
	if len(d) != 1 || d[0].Kind != KindDelete || d[0].Count != 2 {
		t.Fatalf("Delta() = %+v", d)
	}
}

func TestBatch_Validate(t *testing.T) {
	if err := (Batch{DocumentID: "d"}).Validate(); !errors.Is(err, ErrEmptyOperations) {
		t.Fatalf("Validate() = %v", err)
	}
	b := Batch{DocumentID: "d", Operations: []Operation{Insert(0, "x"), Delete(0, 0)}}
	if err := b.Validate(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("Validate() = %v", err)
	}
}
