package turn

import "ruleout-go/pkg/sse"

// 支持的界面语言
const (
	LangKorean   = "한국어"
	LangEnglish  = "English"
	LangJapanese = "日本語"
)

type localized struct {
	phases         map[string]string
	errorFallback  string
	transportError string
	timeout        string
	cancelled      string
}

var texts = map[string]localized{
	LangEnglish: {
		phases: map[string]string{
			sse.StatusTranslating: "Understanding your question",
			sse.StatusEmbedding:   "Converting to vector",
			sse.StatusSearching:   "Searching veterinary literature and clinical guidelines",
			sse.StatusGenerating:  "Synthesizing relevant information",
		},
		errorFallback:  "Ruleout is designed to help veterinarians make evidence-based clinical decisions.\n\nTry asking a question like:\n\"What diagnostic tests should I order for a dog with suspected acute heart failure?\"",
		transportError: "Sorry, an error occurred while generating the response.",
		timeout:        "The response took too long and was stopped. Please try again.",
		cancelled:      "_Request cancelled._",
	},
	LangKorean: {
		phases: map[string]string{
			sse.StatusTranslating: "질문 이해 중",
			sse.StatusEmbedding:   "벡터로 변환 중",
			sse.StatusSearching:   "수의학 문헌 및 임상 가이드라인 검색 중",
			sse.StatusGenerating:  "관련 정보 종합 중",
		},
		errorFallback:  "Ruleout은 수의사가 근거 기반 임상 결정을 내리도록 돕기 위해 설계되었습니다.\n\n다음과 같은 질문을 시도해보세요:\n\"급성 심부전이 의심되는 개에게 어떤 진단 검사를 지시해야 하나요?\"",
		transportError: "죄송합니다. 답변을 생성하는 중 오류가 발생했습니다.",
		timeout:        "응답 시간이 너무 오래 걸려 중단되었습니다. 다시 시도해 주세요.",
		cancelled:      "_Request cancelled._",
	},
	LangJapanese: {
		phases: map[string]string{
			sse.StatusTranslating: "質問を理解中",
			sse.StatusEmbedding:   "ベクトルに変換中",
			sse.StatusSearching:   "獣医学文献および臨床ガイドライン検索中",
			sse.StatusGenerating:  "関連情報を統合中",
		},
		errorFallback:  "Ruleoutは、獣医師がエビデンスに基づいた臨床判断を下すのを支援するために設計されています。\n\n次のような質問を試してみてください：\n「急性心不全が疑われる犬にどのような診断検査を指示すべきですか？」",
		transportError: "申し訳ありません。回答の生成中にエラーが発生しました。",
		timeout:        "応答に時間がかかりすぎたため中断しました。もう一度お試しください。",
		cancelled:      "_Request cancelled._",
	},
}

// textsFor 返回语言对应的文案，未知语言回退到韩语。
func textsFor(lang string) localized {
	if t, ok := texts[lang]; ok {
		return t
	}
	return texts[LangKorean]
}

// PhaseLabel 返回阶段在指定语言下的显示文字。
func PhaseLabel(lang, phase string) string {
	if label, ok := textsFor(lang).phases[phase]; ok {
		return label
	}
	return phase
}

// SupportedLanguage 判断是否为支持的语言。
func SupportedLanguage(lang string) bool {
	_, ok := texts[lang]
	return ok
}
