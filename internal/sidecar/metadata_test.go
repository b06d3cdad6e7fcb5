package sidecar

import (
	"errors"
	"strings"
	"testing"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/media"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := Metadata{
		Model:        "stability-ai/sdxl",
		Input:        map[string]interface{}{"prompt": "a red fox", "steps": float64(30)},
		PredictionID: "pred-123",
		CreatedAt:    1700000000000,
		Type:         media.KindImage,
	}

	tags, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if tags.Artist != "stability-ai/sdxl" {
		t.Errorf("Artist = %q, want model name", tags.Artist)
	}

	out, err := Decode("out.png", tags)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Model != in.Model || out.PredictionID != in.PredictionID || out.CreatedAt != in.CreatedAt || out.Type != in.Type {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
	if out.Input["prompt"] != "a red fox" || out.Input["steps"] != float64(30) {
		t.Errorf("Decode() input = %v", out.Input)
	}
}

func TestEncode_TruncatesModel(t *testing.T) {
	tags, err := Encode(Metadata{Model: strings.Repeat("m", 200)})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(tags.Artist) != MaxModelLen {
		t.Errorf("len(Artist) = %d, want %d", len(tags.Artist), MaxModelLen)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		tags        Tags
		wantNil     bool
		wantModel   string
		wantCorrupt bool
	}{
		{name: "no tags", tags: Tags{}, wantNil: true},
		{name: "artist only", tags: Tags{Artist: "owner/model"}, wantModel: "owner/model"},
		{name: "garbage blob", tags: Tags{Description: "{not json", Artist: "owner/model"}, wantModel: "owner/model", wantCorrupt: true},
		{name: "garbage blob without artist", tags: Tags{Description: "hello"}, wantNil: true, wantCorrupt: true},
		{name: "blob without model", tags: Tags{Description: `{"predictionId":"x"}`}, wantNil: true, wantCorrupt: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode("file.png", tt.tags)
			var corrupt *apperrors.MetadataCorruptError
			if errors.As(err, &corrupt) != tt.wantCorrupt {
				t.Fatalf("Decode() error = %v, wantCorrupt %v", err, tt.wantCorrupt)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("Decode() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.Model != tt.wantModel {
				t.Errorf("Decode() = %+v, want model %q", got, tt.wantModel)
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	long := strings.Repeat("é", 500)
	in := map[string]interface{}{
		"prompt": long,
		"image":  "data:image/png;base64,iVBORw0KGgo=",
		"mask":   []byte{1, 2, 3},
		"seed":   42,
		"nested": map[string]interface{}{"ref": "data:image/png;base64,AAAA"},
		"list":   []interface{}{"ok", "data:image/jpeg;base64,AAAA"},
	}

	out := SanitizeInput(in)

	if got := []rune(out["prompt"].(string)); len(got) != MaxTextLen {
		t.Errorf("prompt length = %d runes, want %d", len(got), MaxTextLen)
	}
	if out["image"] != BinaryPlaceholder {
		t.Errorf("image = %v, want placeholder", out["image"])
	}
	if out["mask"] != BinaryPlaceholder {
		t.Errorf("mask = %v, want placeholder", out["mask"])
	}
	if out["seed"] != 42 {
		t.Errorf("seed = %v, want 42", out["seed"])
	}
	if out["nested"].(map[string]interface{})["ref"] != BinaryPlaceholder {
		t.Errorf("nested ref not elided: %v", out["nested"])
	}
	list := out["list"].([]interface{})
	if list[0] != "ok" || list[1] != BinaryPlaceholder {
		t.Errorf("list = %v", list)
	}
	if in["image"] == BinaryPlaceholder {
		t.Error("SanitizeInput() mutated its argument")
	}
}

func TestSanitizeInput_Nil(t *testing.T) {
	if SanitizeInput(nil) != nil {
		t.Error("SanitizeInput(nil) should be nil")
	}
}
