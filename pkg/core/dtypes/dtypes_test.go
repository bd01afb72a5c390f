// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"
)

func TestMapOfNames(t *testing.T) {
	if MapOfNames["Float16"] != Float16 {
		t.Fatalf("expected MapOfNames[\"Float16\"] to be Float16, got %v", MapOfNames["Float16"])
	}
	if MapOfNames["float16"] != Float16 {
		t.Fatalf("expected MapOfNames[\"float16\"] to be Float16, got %v", MapOfNames["float16"])
	}
	if MapOfNames["bf16"] != BFloat16 {
		t.Fatalf("expected MapOfNames[\"bf16\"] to be BFloat16, got %v", MapOfNames["bf16"])
	}
	if dtype, err := Parse("E4M3"); err != nil || dtype != F8E4M3FN {
		t.Fatalf("expected Parse(\"E4M3\") to be F8E4M3FN, got %v (%v)", dtype, err)
	}
	if _, err := Parse("float128"); err == nil {
		t.Fatal("expected Parse(\"float128\") to fail")
	}
}

func TestSizeAndPredicates(t *testing.T) {
	sizes := map[DType]int{Int8: 1, F8E4M3FN: 1, F8E5M2: 1, Float16: 2, BFloat16: 2, Float32: 4, Float64: 8}
	for dtype, want := range sizes {
		if got := dtype.Size(); got != want {
			t.Fatalf("%s.Size()=%d, wanted %d", dtype, got, want)
		}
	}
	if !F8E5M2.IsFloat8() || !F8E5M2.IsFloat() || BFloat16.IsFloat8() {
		t.Fatal("unexpected float predicates")
	}
	if F8E4M3FN.StorageDType() != Int8 || Float32.StorageDType() != Float32 {
		t.Fatal("unexpected storage dtype")
	}
	if InvalidDType.IsValid() || !Float32.IsValid() {
		t.Fatal("unexpected IsValid")
	}
	if DType(99).String() != "DType(99)" {
		t.Fatalf("unexpected name %q", DType(99).String())
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected InvalidDType.Size() to panic")
		}
	}()
	_ = InvalidDType.Size()
}
