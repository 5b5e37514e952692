package protocol

import "encoding/base64"

// TranslationRequest is the body of a text translation call.
type TranslationRequest struct {
	Common   TranslationCommon   `json:"common"`
	Business TranslationBusiness `json:"business"`
	Data     TranslationData     `json:"data"`
}

type TranslationCommon struct {
	AppID string `json:"app_id"`
}

type TranslationBusiness struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type TranslationData struct {
	Text string `json:"text"`
}

func NewTranslationRequest(appID, from, to, text string) TranslationRequest {
	return TranslationRequest{
		Common:   TranslationCommon{AppID: appID},
		Business: TranslationBusiness{From: from, To: to},
		Data:     TranslationData{Text: base64.StdEncoding.EncodeToString([]byte(text))},
	}
}

type TranslationResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Data    struct {
		Result struct {
			From        string      `json:"from"`
			To          string      `json:"to"`
			TransResult Translation `json:"trans_result"`
		} `json:"result"`
	} `json:"data"`
}
