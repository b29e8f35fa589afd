package capture

import "testing"

func TestWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		writes [][]float32
		want   []float32
	}{
		{"partial", [][]float32{{1, 2}}, []float32{1, 2}},
		{"exact", [][]float32{{1, 2, 3, 4}}, []float32{1, 2, 3, 4}},
		{"wraps", [][]float32{{1, 2, 3}, {4, 5, 6}}, []float32{3, 4, 5, 6}},
		{"oversized write", [][]float32{{1}, {2, 3, 4, 5, 6, 7}}, []float32{4, 5, 6, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWindow(4)
			for _, s := range tt.writes {
				w.write(s)
			}
			got := w.snapshot(nil)
			if len(got) != len(tt.want) {
				t.Fatalf("snapshot = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("snapshot = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	var chunks [][]byte
	r := newRecorder(4, func(c []byte) { chunks = append(chunks, c) })

	r.write([]byte{1, 2, 3})
	r.write([]byte{4, 5, 6, 7, 8, 9, 10})
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0][3] != 4 || chunks[1][0] != 5 {
		t.Errorf("chunks = %v", chunks)
	}
	if p := r.flush(); len(p) != 2 || p[0] != 9 {
		t.Errorf("flush = %v, want [9 10]", p)
	}
	if p := r.flush(); p != nil {
		t.Errorf("empty flush = %v, want nil", p)
	}
}
