package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func decodeMap(t *testing.T, f Frame) map[string]any {
	t.Helper()
	raw, err := f.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestFirstFrameShape(t *testing.T) {
	audio := make([]byte, 640)
	m := decodeMap(t, NewFirstFrame(Params{AppID: "app"}, audio))

	header := m["header"].(map[string]any)
	if header["app_id"] != "app" || header["status"] != float64(0) {
		t.Fatalf("unexpected header %v", header)
	}
	if uid, ok := header["uid"]; !ok || uid != "" {
		t.Fatalf("first frame must carry an empty uid, got %v", header)
	}
	param := m["parameter"].(map[string]any)
	ist := param["ist"].(map[string]any)
	if ist["accent"] != "mandarin" || ist["domain"] != "ist_open" || ist["language"] != "en_us" ||
		ist["vto"] != float64(15000) || ist["eos"] != float64(150000) {
		t.Fatalf("unexpected ist %v", ist)
	}
	st := param["streamtrans"].(map[string]any)
	out := st["output_streamtrans"].(map[string]any)
	if st["from"] != "en" || st["to"] != "cn" || out["encoding"] != "utf8" || out["format"] != "json" {
		t.Fatalf("unexpected streamtrans %v", st)
	}
	data := m["payload"].(map[string]any)["data"].(map[string]any)
	if data["sample_rate"] != float64(16000) || data["channels"] != float64(1) || data["bit_depth"] != float64(16) ||
		data["encoding"] != "raw" || data["status"] != float64(0) {
		t.Fatalf("unexpected data %v", data)
	}
	decoded, err := base64.StdEncoding.DecodeString(data["audio"].(string))
	if err != nil || len(decoded) != 640 {
		t.Fatalf("audio not base64 of 640 bytes: %v", err)
	}
}

func TestContinueAndLastFrameShape(t *testing.T) {
	for _, tc := range []struct {
		frame  Frame
		status float64
	}{
		{NewContinueFrame("app", []byte{1, 2}), 1},
		{NewLastFrame("app", []byte{1, 2}), 2},
	} {
		m := decodeMap(t, tc.frame)
		if _, ok := m["parameter"]; ok {
			t.Fatalf("status %v: parameter must be omitted", tc.status)
		}
		header := m["header"].(map[string]any)
		if _, ok := header["uid"]; ok {
			t.Fatalf("status %v: uid must be omitted", tc.status)
		}
		if header["status"] != tc.status {
			t.Fatalf("unexpected header %v", header)
		}
		data := m["payload"].(map[string]any)["data"].(map[string]any)
		if _, ok := data["channels"]; ok {
			t.Fatalf("channels must only appear on the first frame")
		}
		if _, ok := data["bit_depth"]; ok {
			t.Fatalf("bit_depth must only appear on the first frame")
		}
		if data["sample_rate"] != float64(16000) || data["status"] != tc.status {
			t.Fatalf("unexpected data %v", data)
		}
	}
}

func TestEnvelopeDecodeTranslation(t *testing.T) {
	text := EncodeTranslation(Translation{Src: "hello", Dst: "你好"})
	raw := `{"header":{"code":0,"status":2,"sid":"ase0001"},"payload":{"output_streamtrans":{"text":"` + text + `"}}}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Header.Status != StatusLastFrame || env.Payload == nil || env.Payload.StreamTrans == nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
	tr, err := env.Payload.StreamTrans.DecodeTranslation()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Src != "hello" || tr.Dst != "你好" {
		t.Fatalf("unexpected translation %+v", tr)
	}
	if _, err := (StreamTransOutput{Text: "%%%"}).DecodeTranslation(); err == nil {
		t.Fatalf("expected base64 error")
	}
}

func TestTranslationRequestBody(t *testing.T) {
	raw, err := json.Marshal(NewTranslationRequest("app", "cn", "en", "你好"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"common":{"app_id":"app"},"business":{"from":"cn","to":"en"},"data":{"text":"5L2g5aW9"}}`
	if string(raw) != want {
		t.Fatalf("unexpected body %s", raw)
	}
}
