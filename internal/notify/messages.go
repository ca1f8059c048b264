package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/iurnickita/marketplace/internal/model"
)

// Link ссылка-действие в письме
type Link struct {
	Title string
	URL   string
}

func compose(to string, subject string, lines []string, links ...Link) Message {
	var text, body strings.Builder
	for _, line := range lines {
		text.WriteString(line + "\n")
		body.WriteString("<p>" + html.EscapeString(line) + "</p>")
	}
	for _, link := range links {
		text.WriteString(link.Title + ": " + link.URL + "\n")
		body.WriteString(fmt.Sprintf(`<p><a href="%s">%s</a></p>`,
			html.EscapeString(link.URL), html.EscapeString(link.Title)))
	}
	return Message{To: to, Subject: subject, HTML: body.String(), Text: text.String()}
}

func orderLine(order model.Order) string {
	return fmt.Sprintf("Order %s: %d item(s), total %s", order.ID, order.Data.Quantity, order.Data.TotalAmount.StringFixed(2))
}

// PaymentConfirmed письма покупателю, продавцу и оператору об оплате
func PaymentConfirmed(order model.Order, sellerEmail string, operatorEmail string) []Message {
	return []Message{
		compose(order.Data.BuyerEmail, "Payment received",
			[]string{"Thank you, " + order.Data.BuyerName + ". Your payment is confirmed.", orderLine(order)}),
		compose(sellerEmail, "New paid order "+order.ID,
			[]string{"An order has been paid and is ready for fulfillment.", orderLine(order),
				"Ship to: " + order.Data.ShippingAddress}),
		compose(operatorEmail, "Order paid "+order.ID,
			[]string{orderLine(order), "Seller: " + order.Data.SellerID}),
	}
}

func PaymentFailed(order model.Order) []Message {
	return []Message{
		compose(order.Data.BuyerEmail, "Payment failed",
			[]string{"Your payment for the order did not go through. You can try again before the order expires.",
				orderLine(order)}),
	}
}

// Anomaly противоречивые данные об оплате для ручного разбора
func Anomaly(order model.Order, operatorEmail string, detail string) []Message {
	return []Message{
		compose(operatorEmail, "Payment anomaly on order "+order.ID,
			[]string{orderLine(order), detail}),
	}
}

func OrderExpired(order model.Order) []Message {
	return []Message{
		compose(order.Data.BuyerEmail, "Order cancelled",
			[]string{"The payment window for your order has closed and the order was cancelled.", orderLine(order)}),
	}
}

func OrderCancelled(order model.Order, sellerEmail string) []Message {
	return []Message{
		compose(order.Data.BuyerEmail, "Order cancelled", []string{orderLine(order)}),
		compose(sellerEmail, "Order cancelled "+order.ID, []string{orderLine(order)}),
	}
}

func OrderRefunded(order model.Order, sellerEmail string) []Message {
	return []Message{
		compose(order.Data.BuyerEmail, "Order refunded",
			[]string{"Your payment has been refunded.", orderLine(order)}),
		compose(sellerEmail, "Order refunded "+order.ID, []string{orderLine(order)}),
	}
}

func ShippingUpdated(order model.Order, description string) []Message {
	lines := []string{orderLine(order), "Status: " + string(order.Data.Status)}
	if description != "" {
		lines = append(lines, description)
	}
	return []Message{compose(order.Data.BuyerEmail, "Order update", lines)}
}

// ReceiptUploaded письмо продавцу со ссылками на одобрение и отклонение
func ReceiptUploaded(receipt model.Receipt, sellerEmail string, approve Link, reject Link) []Message {
	return []Message{
		compose(sellerEmail, "Payment receipt awaiting review",
			[]string{
				fmt.Sprintf("%s uploaded a payment receipt for %s.", receipt.Data.BuyerName, receipt.Data.Amount.StringFixed(2)),
				"Receipt: " + receipt.ID,
			}, approve, reject),
	}
}

func ReceiptReviewed(receipt model.Receipt, sellerEmail string) []Message {
	lines := []string{
		fmt.Sprintf("Your payment receipt for %s was %s.", receipt.Data.Amount.StringFixed(2), receipt.Data.Status),
	}
	if receipt.Data.OrderID != "" {
		lines = append(lines, "Order: "+receipt.Data.OrderID)
	}
	if receipt.Data.SellerNotes != "" {
		lines = append(lines, "Seller notes: "+receipt.Data.SellerNotes)
	}
	return []Message{
		compose(receipt.Data.BuyerEmail, "Payment receipt "+string(receipt.Data.Status), lines),
		compose(sellerEmail, "Receipt "+receipt.ID+" "+string(receipt.Data.Status), lines),
	}
}

func ReviewReminder(sellerEmail string, pending int, dashboard Link) []Message {
	return []Message{
		compose(sellerEmail, fmt.Sprintf("%d payment receipt(s) awaiting review", pending),
			[]string{fmt.Sprintf("You have %d payment receipt(s) waiting for approval.", pending)}, dashboard),
	}
}
