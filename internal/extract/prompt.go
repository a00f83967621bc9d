package extract

import (
	"strings"
)

// buildPrompt constructs the extraction instructions for one statement.
func buildPrompt(vocabulary []string, baseCurrency, foreignCategory string) string {
	var b strings.Builder

	b.WriteString("You are a financial statement parser for credit card and bank statements.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Extract every expense (money going out) from the attached statement.\n")
	b.WriteString("- Output STRICT JSON only: a JSON array of objects, in statement order.\n\n")

	b.WriteString("Each object must have these fields:\n")
	b.WriteString("- \"date\": string, ISO format \"YYYY-MM-DD\"\n")
	b.WriteString("- \"merchant\": string or null, the cleaned merchant or payee name\n")
	b.WriteString("- \"description\": string, the transaction text as printed\n")
	b.WriteString("- \"category\": string (one of the categories below)\n")
	b.WriteString("- \"original_amount\": number, positive, in the transaction currency\n")
	b.WriteString("- \"original_currency\": string, 3-letter code (e.g. \"USD\")\n")
	b.WriteString("- \"base_amount\": number or null, the " + baseCurrency +
		" amount if the statement prints it, otherwise null\n\n")

	b.WriteString("Use ONLY the following categories:\n")
	for _, c := range vocabulary {
		b.WriteString("  - " + c + "\n")
	}
	b.WriteString("\n")

	b.WriteString("Rules:\n")
	b.WriteString("1. Skip deposits, refunds, credits and transfers between own accounts.\n")
	b.WriteString("2. Amounts are always positive numbers.\n")
	b.WriteString("3. Remove reference codes and card numbers from merchant names where possible.\n")
	b.WriteString("4. For " + baseCurrency + " transactions, base_amount equals original_amount.\n")
	if foreignCategory != "" {
		b.WriteString("5. Transactions in any other currency use category \"" + foreignCategory + "\".\n")
	}
	b.WriteString("\nReturn ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Output must begin with \"[\" and end with \"]\".\n")

	return b.String()
}
