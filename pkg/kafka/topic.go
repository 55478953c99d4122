package kafka

import "fmt"

// TopicPrefix is the standard prefix for all GoMarketplace Kafka topics.
const TopicPrefix = "gomarketplace"

// Topic builds a topic name as <prefix>.<domain>.<action>.
func Topic(domain, action string) string {
	return fmt.Sprintf("%s.%s.%s", TopicPrefix, domain, action)
}
