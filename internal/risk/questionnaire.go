package risk

// Blocks of the risk questionnaire.
const (
	BlockThirdParties = "terceiros"
	BlockTechnology   = "tecnologia"
	BlockDeadlines    = "prazos"
	BlockPeople       = "pessoas"
	BlockLegal        = "legal"
	BlockPublic       = "publico"
	BlockControls     = "controles"
)

// QuestionKind is the answer shape of a question.
type QuestionKind string

const (
	KindTri  QuestionKind = "tri"
	KindList QuestionKind = "list"
	KindText QuestionKind = "text"
)

// Question is one entry of the questionnaire.
type Question struct {
	Block  string
	ID     string
	Kind   QuestionKind
	Prompt string
}

// Key returns "block.question".
func (q Question) Key() string {
	return q.Block + "." + q.ID
}

// Answers holds block-scoped answers: block -> question -> value. Tri
// answers are stored as "SIM", "NAO" or "NAO_SEI"; list answers as string
// lists (an empty list is an explicit "none"); text answers as strings.
type Answers map[string]map[string]interface{}

// Get returns the raw value of a question.
func (a Answers) Get(block, question string) (interface{}, bool) {
	b, ok := a[block]
	if !ok {
		return nil, false
	}
	v, ok := b[question]
	return v, ok
}

// Set stores a value, creating the block if needed.
func (a Answers) Set(block, question string, v interface{}) {
	if a[block] == nil {
		a[block] = map[string]interface{}{}
	}
	a[block][question] = v
}

// Questionnaire is the ordered question table walked by the risk wizard.
var Questionnaire = []Question{
	{BlockThirdParties, "depende_terceiros", KindTri, "O processo depende de empresas ou órgãos terceiros para ser executado?"},
	{BlockThirdParties, "fornecedores", KindList, "Quais fornecedores ou parceiros participam? (lista, ou \"nenhum\")"},
	{BlockThirdParties, "contrato_vigente", KindTri, "Existe contrato ou acordo formal vigente com esses terceiros?"},
	{BlockThirdParties, "tem_sla", KindTri, "O contrato define acordo de nível de serviço (SLA) com prazos?"},
	{BlockThirdParties, "fornecedor_unico", KindTri, "Algum desses serviços só pode ser prestado por um único fornecedor?"},
	{BlockThirdParties, "descricao_terceiros", KindText, "Se quiser, descreva como os terceiros participam (ou \"pular\")."},

	{BlockTechnology, "sistemas", KindList, "Quais sistemas são usados no processo? (lista, ou \"nenhum\")"},
	{BlockTechnology, "sistema_legado", KindTri, "Algum desses sistemas é antigo, sem suporte ou sem evolução?"},
	{BlockTechnology, "integracao_manual", KindTri, "Há dados copiados manualmente de um sistema para outro?"},
	{BlockTechnology, "backup", KindTri, "As informações do processo têm cópia de segurança?"},
	{BlockTechnology, "dados_pessoais", KindTri, "O processo trata dados pessoais ou sigilosos?"},
	{BlockTechnology, "descricao_sistemas", KindText, "Se quiser, comente sobre os sistemas e dados (ou \"pular\")."},

	{BlockDeadlines, "prazo_legal", KindTri, "Existe prazo definido em lei ou norma para concluir o processo?"},
	{BlockDeadlines, "volume_picos", KindTri, "A demanda tem picos sazonais de volume?"},
	{BlockDeadlines, "atrasos_frequentes", KindTri, "Atrasos são frequentes hoje?"},

	{BlockPeople, "operadores", KindList, "Quem executa o processo? (cargos ou papéis, em lista)"},
	{BlockPeople, "depende_pessoa_chave", KindTri, "O processo para se uma pessoa específica faltar?"},
	{BlockPeople, "capacitacao_formal", KindTri, "Quem executa recebeu capacitação formal?"},
	{BlockPeople, "rotatividade_alta", KindTri, "A rotatividade da equipe é alta?"},
	{BlockPeople, "descricao_equipe", KindText, "Se quiser, descreva a equipe (ou \"pular\")."},

	{BlockLegal, "base_legal", KindList, "Quais normas fundamentam o processo? (lista, ou \"nenhuma\")"},
	{BlockLegal, "norma_desatualizada", KindTri, "Alguma dessas normas está desatualizada?"},
	{BlockLegal, "decisao_discricionaria", KindTri, "O processo envolve decisões discricionárias (a critério do servidor)?"},
	{BlockLegal, "auditoria_externa", KindTri, "O processo é fiscalizado por órgãos de controle (TCU, CGU)?"},

	{BlockPublic, "atende_cidadao", KindTri, "O processo atende diretamente o cidadão?"},
	{BlockPublic, "publico_vulneravel", KindTri, "O público inclui pessoas em situação de vulnerabilidade?"},
	{BlockPublic, "exige_presencial", KindTri, "O atendimento exige comparecimento presencial?"},
	{BlockPublic, "canal_digital", KindTri, "O serviço é oferecido por canal digital?"},
	{BlockPublic, "descricao_publico", KindText, "Se quiser, descreva o público atendido (ou \"pular\")."},

	{BlockControls, "segregacao_funcoes", KindTri, "Quem executa é diferente de quem aprova (segregação de funções)?"},
	{BlockControls, "revisao_dupla", KindTri, "Existe conferência ou revisão por outra pessoa?"},
	{BlockControls, "indicadores", KindTri, "O processo é acompanhado por indicadores de desempenho?"},
	{BlockControls, "registro_trilha", KindTri, "As ações ficam registradas (trilha de auditoria)?"},
	{BlockControls, "manual_atualizado", KindTri, "Existe manual ou POP atualizado do processo?"},
}

// FindQuestion returns the questionnaire entry for block.question.
func FindQuestion(key string) (Question, bool) {
	for _, q := range Questionnaire {
		if q.Key() == key {
			return q, true
		}
	}
	return Question{}, false
}
