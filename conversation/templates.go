package conversation

import (
	"fmt"
	"sort"
	"text/template"
)

var FuncMap = template.FuncMap{
	"mod": func(a, b int) int {
		return a % b
	},
	"wrapSys": func(s string) string {
		if s == "" {
			return s
		}
		return "<<SYS>>\n" + s + "\n<</SYS>>\n\n"
	},
}

const singleTemplate = `{{.System}}{{.Sep}}{{range .Messages}}{{if .Content}}{{.Role}}: {{.Content}}{{$.Sep}}{{else}}{{.Role}}:{{end}}{{end}}`

const twoTemplate = `{{.System}}{{.Sep}}{{range $i, $m := .Messages}}{{if $m.Content}}{{$m.Role}}: {{$m.Content}}{{if eq (mod $i 2) 0}}{{$.Sep}}{{else}}{{$.Sep2}}{{end}}{{else}}{{$m.Role}}:{{end}}{{end}}`

const mptTemplate = `{{.System}}{{.Sep}}{{range .Messages}}{{if .Content}}{{.Role}}{{.Content}}{{$.Sep}}{{else}}{{.Role}}{{end}}{{end}}`

const plainTemplate = `{{.System}}{{range $i, $m := .Messages}}{{if $m.Content}}{{$m.Content}}{{if eq (mod $i 2) 0}}{{$.Sep}}{{else}}{{$.Sep2}}{{end}}{{end}}{{end}}`

// Llama 2 output still carries a leading Sep which Prompt trims.
const llama2Template = `{{range $i, $m := .Messages}}{{if $m.Content}}{{if eq (mod $i 2) 0}}{{$.Sep}}[INST] {{if eq $i 0}}{{wrapSys $.System}}{{end}}{{$m.Content}} [/INST]{{else}} {{$m.Content}} {{$.Sep2}}{{end}}{{end}}{{end}}`

var styleTemplates = map[SeparatorStyle]*template.Template{
	SeparatorSingle: template.Must(template.New("single").Funcs(FuncMap).Parse(singleTemplate)),
	SeparatorTwo:    template.Must(template.New("two").Funcs(FuncMap).Parse(twoTemplate)),
	SeparatorMPT:    template.Must(template.New("mpt").Funcs(FuncMap).Parse(mptTemplate)),
	SeparatorPlain:  template.Must(template.New("plain").Funcs(FuncMap).Parse(plainTemplate)),
	SeparatorLlama2: template.Must(template.New("llama2").Funcs(FuncMap).Parse(llama2Template)),
}

const (
	humanSystem = "A chat between a curious human and an artificial intelligence assistant. " +
		"The assistant gives helpful, detailed, and polite answers to the human's questions."
	userSystem = "A chat between a curious user and an artificial intelligence assistant. " +
		"The assistant gives helpful, detailed, and polite answers to the user's questions."
	mmtagSystem = "A chat between a curious user and an artificial intelligence assistant. " +
		"The assistant is able to understand the visual content that the user provides, " +
		"and assist the user with a variety of tasks using natural language." +
		"The visual content will be provided with the following format: <Image>visual content</Image>."
	llama2System = "You are a helpful, respectful and honest assistant. Always answer as helpfully as possible, while being safe. " +
		" Your answers should not include any harmful, unethical, racist, sexist, toxic, dangerous, or illegal content. " +
		"Please ensure that your responses are socially unbiased and positive in nature.\n\n" +
		"If a question does not make any sense, or is not factually coherent, explain why instead of answering something not correct. " +
		"If you don't know the answer to a question, please don't share false information."
	llavaLlama2System = "You are a helpful language and vision assistant. " +
		"You are able to understand the visual content that the user provides, " +
		"and assist the user with a variety of tasks using natural language."
	mptSystem = "<|im_start|>system\n" +
		"A conversation between a user and an LLM-based AI assistant. The assistant gives helpful and honest answers."
)

// vicunaV0Answer is the canned reply of the one-shot example carried by vicunaV0.
const vicunaV0Answer = "Renewable energy sources are those that can be replenished naturally in a relatively " +
	"short amount of time, such as solar, wind, hydro, geothermal, and biomass. " +
	"Non-renewable energy sources, on the other hand, are finite and will eventually be " +
	"depleted, such as coal, oil, and natural gas. Here are some key differences between " +
	"renewable and non-renewable energy sources:\n" +
	"1. Availability: Renewable energy sources are virtually inexhaustible, while non-renewable " +
	"energy sources are finite and will eventually run out.\n" +
	"2. Environmental impact: Renewable energy sources have a much lower environmental impact " +
	"than non-renewable sources, which can lead to air and water pollution, greenhouse gas emissions, " +
	"and other negative effects.\n" +
	"3. Cost: Renewable energy sources can be more expensive to initially set up, but they typically " +
	"have lower operational costs than non-renewable sources.\n" +
	"4. Reliability: Renewable energy sources are often more reliable and can be used in more remote " +
	"locations than non-renewable sources.\n" +
	"5. Flexibility: Renewable energy sources are often more flexible and can be adapted to different " +
	"situations and needs, while non-renewable sources are more rigid and inflexible.\n" +
	"6. Sustainability: Renewable energy sources are more sustainable over the long term, while " +
	"non-renewable sources are not, and their depletion can lead to economic and social instability.\n"

var (
	vicunaV0 = Conversation{
		System: humanSystem,
		Roles:  [2]string{"Human", "Assistant"},
		Messages: []Message{
			{Role: "Human", Content: "What are the key differences between renewable and non-renewable energy sources?"},
			{Role: "Assistant", Content: vicunaV0Answer},
		},
		Style: SeparatorSingle,
		Sep:   "###",
	}
	vicunaV1 = Conversation{
		System: userSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SeparatorTwo,
		Sep:    " ",
		Sep2:   "</s>",
	}
	llama2 = Conversation{
		System: llama2System,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SeparatorLlama2,
		Sep:    "<s>",
		Sep2:   "</s>",
	}
	llavaLlama2 = Conversation{
		System: llavaLlama2System,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SeparatorLlama2,
		Sep:    "<s>",
		Sep2:   "</s>",
	}
	mistralInstruct = Conversation{
		Roles: [2]string{"USER", "ASSISTANT"},
		Style: SeparatorLlama2,
		Sep2:  "</s>",
	}
	chatMLDirect = Conversation{
		System: "<|im_start|>system\nAnswer the questions.",
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  SeparatorMPT,
		Sep:    "<|im_end|>",
	}
	mpt = Conversation{
		System: mptSystem,
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  SeparatorMPT,
		Sep:    "<|im_end|>",
	}
	llavaPlain = Conversation{
		Style: SeparatorPlain,
		Sep:   "\n",
	}
	llavaV0 = Conversation{
		System: humanSystem,
		Roles:  [2]string{"Human", "Assistant"},
		Style:  SeparatorSingle,
		Sep:    "###",
	}
	llavaV0MMTag = Conversation{
		System: mmtagSystem,
		Roles:  [2]string{"Human", "Assistant"},
		Style:  SeparatorSingle,
		Sep:    "###",
	}
	llavaV1 = Conversation{
		System: humanSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SeparatorTwo,
		Sep:    " ",
		Sep2:   "</s>",
	}
	llavaV1MMTag = Conversation{
		System: mmtagSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SeparatorTwo,
		Sep:    " ",
		Sep2:   "</s>",
	}
)

var templates = map[string]*Conversation{
	"default":          &vicunaV0,
	"v0":               &vicunaV0,
	"v1":               &vicunaV1,
	"vicuna_v1":        &vicunaV1,
	"llama_2":          &llama2,
	"mistral_instruct": &mistralInstruct,
	"chatml_direct":    &chatMLDirect,
	"mistral_direct":   &chatMLDirect,
	"plain":            &llavaPlain,
	"v0_plain":         &llavaPlain,
	"llava_v0":         &llavaV0,
	"v0_mmtag":         &llavaV0MMTag,
	"llava_v1":         &llavaV1,
	"v1_mmtag":         &llavaV1MMTag,
	"llava_llama_2":    &llavaLlama2,
	"mpt":              &mpt,
}

// Get returns a fresh copy of the template registered under mode.
func Get(mode string) (*Conversation, error) {
	t, ok := templates[mode]
	if !ok {
		return nil, fmt.Errorf("unknown conversation mode %q, available modes: %v", mode, Modes())
	}
	return t.Copy(), nil
}

func Modes() []string {
	modes := make([]string, 0, len(templates))
	for m := range templates {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}
