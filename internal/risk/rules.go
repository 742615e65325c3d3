package risk

import "github.com/mapagov/helena/internal/models"

// Condition is one conjunct of a rule. It holds only when the signal has
// exactly the wanted value; Unknown never satisfies a condition.
type Condition struct {
	Signal   string
	Want     Tri
	MinCount int
}

// Is requires signal == want.
func Is(signal string, want Tri) Condition {
	return Condition{Signal: signal, Want: want}
}

// AtLeast requires a list signal with at least n items.
func AtLeast(signal string, n int) Condition {
	return Condition{Signal: signal, Want: Yes, MinCount: n}
}

func (c Condition) holds(signals Signals) bool {
	sig := signals.Get(c.Signal)
	if !sig.Value.Known() || sig.Value != c.Want {
		return false
	}
	if c.MinCount > 0 {
		return sig.Count != nil && *sig.Count >= c.MinCount
	}
	return true
}

// Rule is one independently evaluated inference rule.
type Rule struct {
	ID            string
	Title         string
	Category      models.RiskCategory
	Block         string
	Confidence    models.Confidence
	Justification string
	When          []Condition
}

const (
	opr = models.RiskCategoryOperational
	leg = models.RiskCategoryLegal
	tec = models.RiskCategoryTechnological
	rep = models.RiskCategoryReputational
	des = models.RiskCategoryUnequalImpact

	low  = models.ConfidenceLow
	med  = models.ConfidenceMedium
	high = models.ConfidenceHigh
)

// Rules is the rule table, ordered by id.
var Rules = []Rule{
	{"R01", "Dependência de terceiros sem contrato vigente", leg, BlockThirdParties, high,
		"O processo depende de terceiros, mas não há contrato ou acordo formal vigente.",
		[]Condition{Is("depende_terceiros", Yes), Is("contrato_vigente", No)}},
	{"R02", "Serviço terceirizado sem acordo de nível de serviço", opr, BlockThirdParties, med,
		"Há dependência de terceiros sem SLA definido, o que dificulta cobrar prazos e qualidade.",
		[]Condition{Is("depende_terceiros", Yes), Is("tem_sla", No)}},
	{"R03", "Dependência de fornecedor único", opr, BlockThirdParties, high,
		"Um serviço essencial só pode ser prestado por um único fornecedor.",
		[]Condition{Is("fornecedor_unico", Yes)}},
	{"R04", "Coordenação de múltiplos fornecedores", opr, BlockThirdParties, low,
		"Três ou mais fornecedores participam, aumentando o esforço de coordenação.",
		[]Condition{AtLeast("has_fornecedores", 3)}},
	{"R05", "Compartilhamento de dados pessoais com terceiros", leg, BlockThirdParties, high,
		"Terceiros participam de um processo que trata dados pessoais, exigindo cláusulas de proteção de dados.",
		[]Condition{Is("depende_terceiros", Yes), Is("dados_pessoais", Yes)}},

	{"R06", "Obsolescência de sistema legado", tec, BlockTechnology, med,
		"O processo usa sistema antigo ou sem suporte.",
		[]Condition{Is("sistema_legado", Yes)}},
	{"R07", "Transferência manual de dados entre sistemas", tec, BlockTechnology, med,
		"Dados são copiados manualmente entre sistemas, sujeitos a erro de digitação e retrabalho.",
		[]Condition{Is("integracao_manual", Yes)}},
	{"R08", "Ausência de cópia de segurança", tec, BlockTechnology, high,
		"As informações do processo não têm cópia de segurança.",
		[]Condition{Is("backup", No)}},
	{"R09", "Fragmentação em múltiplos sistemas", tec, BlockTechnology, low,
		"Quatro ou mais sistemas são usados no mesmo processo.",
		[]Condition{AtLeast("has_sistemas", 4)}},
	{"R10", "Processo manual sob picos de demanda", opr, BlockTechnology, med,
		"Nenhum sistema apoia o processo e a demanda tem picos sazonais.",
		[]Condition{Is("has_sistemas", No), Is("volume_picos", Yes)}},
	{"R11", "Tratamento de dados pessoais sem trilha de auditoria", leg, BlockTechnology, high,
		"Dados pessoais são tratados sem registro das ações realizadas.",
		[]Condition{Is("dados_pessoais", Yes), Is("registro_trilha", No)}},
	{"R12", "Perda de dados pessoais", tec, BlockTechnology, high,
		"Dados pessoais são tratados sem cópia de segurança.",
		[]Condition{Is("dados_pessoais", Yes), Is("backup", No)}},

	{"R13", "Descumprimento de prazo legal", leg, BlockDeadlines, high,
		"Existe prazo legal e atrasos são frequentes.",
		[]Condition{Is("prazo_legal", Yes), Is("atrasos_frequentes", Yes)}},
	{"R14", "Descumprimento de prazos contratuais", opr, BlockDeadlines, med,
		"Há prazos contratuais e atrasos são frequentes.",
		[]Condition{Is("prazos_contratuais", Yes), Is("atrasos_frequentes", Yes)}},
	{"R15", "Sobrecarga em picos de demanda", opr, BlockDeadlines, high,
		"A demanda tem picos sazonais e um único papel executa o processo.",
		[]Condition{Is("volume_picos", Yes), Is("operador_unico", Yes)}},
	{"R16", "Prazo legal sem monitoramento", opr, BlockDeadlines, med,
		"Existe prazo legal, mas o processo não é acompanhado por indicadores.",
		[]Condition{Is("prazo_legal", Yes), Is("indicadores", No)}},

	{"R17", "Dependência de pessoa-chave", opr, BlockPeople, high,
		"O processo para quando uma pessoa específica falta.",
		[]Condition{Is("depende_pessoa_chave", Yes)}},
	{"R18", "Conhecimento concentrado sem documentação", opr, BlockPeople, high,
		"Um único papel executa o processo e não há manual atualizado.",
		[]Condition{Is("operador_unico", Yes), Is("manual_atualizado", No)}},
	{"R19", "Ausência de capacitação formal", opr, BlockPeople, med,
		"Quem executa o processo não recebeu capacitação formal.",
		[]Condition{Is("capacitacao_formal", No)}},
	{"R20", "Perda de conhecimento por rotatividade", opr, BlockPeople, med,
		"A rotatividade é alta e não há manual atualizado.",
		[]Condition{Is("rotatividade_alta", Yes), Is("manual_atualizado", No)}},
	{"R21", "Equipe sem preparo por rotatividade", opr, BlockPeople, low,
		"A rotatividade é alta e não há capacitação formal.",
		[]Condition{Is("rotatividade_alta", Yes), Is("capacitacao_formal", No)}},

	{"R22", "Atuação sem base normativa identificada", leg, BlockLegal, high,
		"Nenhuma norma foi indicada como fundamento do processo.",
		[]Condition{Is("has_base_legal", No)}},
	{"R23", "Normativo desatualizado", leg, BlockLegal, med,
		"Alguma norma que fundamenta o processo está desatualizada.",
		[]Condition{Is("norma_desatualizada", Yes)}},
	{"R24", "Decisão discricionária sem segregação de funções", rep, BlockLegal, high,
		"Decisões discricionárias são tomadas por quem também executa o processo.",
		[]Condition{Is("decisao_discricionaria", Yes), Is("segregacao_funcoes", No)}},
	{"R25", "Decisão discricionária sem revisão", leg, BlockLegal, med,
		"Decisões discricionárias não passam por conferência de outra pessoa.",
		[]Condition{Is("decisao_discricionaria", Yes), Is("revisao_dupla", No)}},
	{"R26", "Apontamentos de órgãos de controle", rep, BlockLegal, med,
		"O processo é fiscalizado por órgãos de controle e as ações não ficam registradas.",
		[]Condition{Is("auditoria_externa", Yes), Is("registro_trilha", No)}},

	{"R27", "Insatisfação do cidadão por atrasos", rep, BlockPublic, med,
		"O processo atende o cidadão e atrasos são frequentes.",
		[]Condition{Is("atende_cidadao", Yes), Is("atrasos_frequentes", Yes)}},
	{"R28", "Barreira de acesso ao público vulnerável", des, BlockPublic, high,
		"O público inclui pessoas vulneráveis e o atendimento exige presença física.",
		[]Condition{Is("publico_vulneravel", Yes), Is("exige_presencial", Yes)}},
	{"R29", "Exclusão digital", des, BlockPublic, med,
		"O público inclui pessoas vulneráveis e o serviço só é oferecido por canal digital.",
		[]Condition{Is("publico_vulneravel", Yes), Is("canal_digital", Yes), Is("exige_presencial", No)}},
	{"R30", "Exposição de dados de cidadãos", rep, BlockPublic, high,
		"O processo atende o cidadão e trata dados pessoais.",
		[]Condition{Is("atende_cidadao", Yes), Is("dados_pessoais", Yes)}},
	{"R31", "Tratamento desigual em decisões discricionárias", des, BlockPublic, med,
		"Decisões discricionárias afetam público em situação de vulnerabilidade.",
		[]Condition{Is("publico_vulneravel", Yes), Is("decisao_discricionaria", Yes)}},

	{"R32", "Ausência de segregação de funções", opr, BlockControls, med,
		"Quem executa o processo também o aprova.",
		[]Condition{Is("segregacao_funcoes", No)}},
	{"R33", "Ausência de indicadores de desempenho", opr, BlockControls, low,
		"O processo não é acompanhado por indicadores.",
		[]Condition{Is("indicadores", No)}},
	{"R34", "Erros de digitação sem conferência", opr, BlockControls, med,
		"Há cópia manual de dados entre sistemas e nenhuma conferência por outra pessoa.",
		[]Condition{Is("revisao_dupla", No), Is("integracao_manual", Yes)}},
}
