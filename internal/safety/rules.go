package safety

import "regexp"

// SelfHarmMessage is returned for every self-harm match.
const SelfHarmMessage = "我们注意到你可能正在经历非常艰难的时刻。你并不孤单，请立即联系专业人士：" +
	"全国心理援助热线 400-161-9995；北京心理危机研究与干预中心 010-82951332；" +
	"希望24热线 400-161-9995。如有生命危险，请立即拨打 110 或 120。" +
	" If you are outside China, please contact your local crisis line or emergency number now."

// EmergencyMessage is returned for every medical-emergency match.
const EmergencyMessage = "你描述的症状可能属于急症，不适合等待社区回复。请立即拨打 120 急救电话，" +
	"或尽快前往最近医院的急诊科；在等待时保持平静，不要独处。" +
	" If you are outside China, call your local emergency number or go to the nearest emergency room now."

// SelfHarmRules is checked first; a question matching both sets is
// classified as self-harm.
func SelfHarmRules() RuleSet {
	return RuleSet{
		Category: CategorySelfHarm,
		Keywords: []string{
			"自杀", "自殺", "自残", "轻生", "割腕", "不想活", "想死", "结束生命", "结束自己的生命",
			"suicide", "suicidal", "kill myself", "self harm", "end my life",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`自\s*[杀殺残]`),
			regexp.MustCompile(`不\s*想\s*活`),
			regexp.MustCompile(`跳\s*楼\s*(算了|死)`),
			regexp.MustCompile(`kill(ing)?\s+my\s*self`),
			regexp.MustCompile(`end(ing)?\s+(my|it)\s+(life|all)`),
			regexp.MustCompile(`(want|wanna|going)\s+to\s+die`),
			regexp.MustCompile(`(hurt|harm|cutt?)(ing)?\s+my\s*self`),
			regexp.MustCompile(`overdos(e|ing)\s+on\s+purpose`),
		},
		Message: SelfHarmMessage,
	}
}

// EmergencyRules covers symptoms that need emergency care, not a crowd.
func EmergencyRules() RuleSet {
	return RuleSet{
		Category: CategoryEmergency,
		Keywords: []string{
			"胸痛", "呼吸困难", "喘不过气", "昏迷", "意识不清", "大出血", "心脏骤停", "过敏性休克", "中风",
			"cantbreathe", "cannotbreathe", "notbreathing", "heart attack", "anaphylaxis", "unconscious",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(chest|heart)\s*pain`),
			regexp.MustCompile(`(can'?t|cannot|unable\s+to)\s+breathe`),
			regexp.MustCompile(`(severe|heavy|uncontroll?ed)\s+bleeding`),
			regexp.MustCompile(`胸\s*口?\s*[剧绞]?\s*痛`),
			regexp.MustCompile(`喘\s*不\s*[过上]\s*气`),
			regexp.MustCompile(`失\s*去\s*意\s*识`),
			regexp.MustCompile(`(face|arm)\s+(is\s+)?(drooping|numb)`),
		},
		Message: EmergencyMessage,
	}
}
