package translate

import "strings"

// Prompts はシステムプロンプトとユーザープロンプトのテンプレートです。
// テンプレート中の ${content} と ${targetLangName} は送信前に置換されます。
type Prompts struct {
	System       string `json:"systemPrompt"`
	UserTemplate string `json:"userPromptTemplate"`
}

const (
	varContent    = "${content}"
	varTargetLang = "${targetLangName}"
)

const rulesEN = `Requirements:

1. Keep every Markdown element unchanged: headings, emphasis, links, image links, tables, code fences, inline code, HTML tags.
2. Keep math delimiters ($...$ and $$...$$) and their contents as they are. Display formulas use $$ on their own lines.
3. Translate prose and terminology only. Translate academic and technical terms accurately.
4. Preserve the paragraph structure of the source.
5. Output the translation only, with no notes or explanations.`

// BuiltInPrompts は言語名に応じた組み込みプロンプトを返します。
// 個別の文面を持たない言語には汎用の英語テンプレートを使います。
func BuiltInPrompts(language string) Prompts {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "chinese":
		return Prompts{
			System: "你是专业的文档翻译助手，负责把文本准确翻译成简体中文，并完整保留原有的 Markdown 格式。",
			UserTemplate: "请把下面的内容翻译成**简体中文**。\n要求：\n\n" +
				"1. 所有 Markdown 元素保持原样（标题、强调、链接、图片链接、表格、代码块、行内代码、HTML 标签）。\n" +
				"2. 数学公式的 $...$ 与 $$...$$ 及其内容保持不变。\n" +
				"3. 只翻译正文与术语，专业术语需准确。\n" +
				"4. 保持原文的段落结构。\n" +
				"5. 只输出译文，不要附加任何说明。\n\n" +
				"文档内容：\n\n" + varContent,
		}
	case "japanese":
		return Prompts{
			System: "あなたは文書翻訳の専門アシスタントです。元の Markdown 書式を保ったまま、本文を正確な日本語に翻訳します。",
			UserTemplate: "次の内容を**日本語**に翻訳してください。\n条件:\n\n" +
				"1. Markdown の要素（見出し、強調、リンク、画像リンク、表、コードブロック、インラインコード、HTML タグ）はそのまま残すこと。\n" +
				"2. 数式の $...$ と $$...$$ は中身も含めて変更しないこと。\n" +
				"3. 翻訳するのは本文と用語のみ。専門用語は正確に訳すこと。\n" +
				"4. 原文の段落構成を保つこと。\n" +
				"5. 訳文のみを出力し、説明や注釈を付けないこと。\n\n" +
				"ドキュメント:\n\n" + varContent,
		}
	case "korean":
		return Prompts{
			System: "당신은 문서 번역 전문 도우미입니다. 원본 마크다운 서식을 그대로 유지하면서 본문을 정확한 한국어로 번역합니다.",
			UserTemplate: "다음 내용을 **한국어**로 번역해 주세요.\n요구 사항:\n\n" +
				"1. 마크다운 요소(제목, 강조, 링크, 이미지 링크, 표, 코드 블록, 인라인 코드, HTML 태그)는 그대로 둡니다.\n" +
				"2. 수식 구분자 $...$ 와 $$...$$ 및 그 내용은 바꾸지 않습니다.\n" +
				"3. 본문과 용어만 번역하며, 전문 용어는 정확하게 번역합니다.\n" +
				"4. 원문의 단락 구조를 유지합니다.\n" +
				"5. 번역문만 출력하고 설명은 덧붙이지 않습니다.\n\n" +
				"문서 내용:\n\n" + varContent,
		}
	case "french":
		return Prompts{
			System: "Vous êtes un assistant spécialisé dans la traduction de documents. Vous traduisez le texte en français avec précision en conservant le format Markdown d'origine.",
			UserTemplate: "Traduisez le contenu suivant en **français**.\nExigences :\n\n" +
				"1. Ne modifiez aucun élément Markdown : titres, emphase, liens, liens d'images, tableaux, blocs de code, code en ligne, balises HTML.\n" +
				"2. Conservez les délimiteurs mathématiques $...$ et $$...$$ ainsi que leur contenu.\n" +
				"3. Traduisez uniquement la prose et la terminologie, avec des termes techniques exacts.\n" +
				"4. Respectez la structure des paragraphes.\n" +
				"5. Produisez uniquement la traduction, sans commentaire.\n\n" +
				"Contenu du document :\n\n" + varContent,
		}
	case "english":
		return Prompts{
			System:       "You are a professional document translation assistant. You translate text into English accurately while keeping the original Markdown format.",
			UserTemplate: "Translate the following content into **English**. Use a formal, academic tone.\n" + rulesEN + "\n\nDocument content:\n\n" + varContent,
		}
	default:
		return Prompts{
			System: "You are a professional document translation assistant. You translate text into " + varTargetLang +
				" accurately while keeping the original Markdown format.",
			UserTemplate: "Translate the following content into **" + varTargetLang + "**. " +
				"If a technical term has no settled translation, keep the original term in parentheses.\n" +
				rulesEN + "\n\nDocument content:\n\n" + varContent,
		}
	}
}

// Resolve は実際に送るプロンプトを決めます。カスタムプロンプトは有効化されていて、
// かつ両方とも空でない場合に限り使われます。
func Resolve(useCustom bool, custom Prompts, language string) Prompts {
	if useCustom && strings.TrimSpace(custom.System) != "" && strings.TrimSpace(custom.UserTemplate) != "" {
		return custom
	}
	return BuiltInPrompts(language)
}

// Render はテンプレート変数を置換します。
func Render(template, language, content string) string {
	r := strings.NewReplacer(varTargetLang, language, varContent, content)
	return r.Replace(template)
}
